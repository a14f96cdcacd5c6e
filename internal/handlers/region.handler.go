package handlers

import (
	"github.com/fasthttp/router"
	"github.com/relaymesh/delivery-engine/internal/model"
	xhttp "github.com/relaymesh/delivery-engine/pkg/http"
)

type RegionDirectory interface {
	Snapshot() []model.RegionProfile
}

type RegionHandler struct {
	directory RegionDirectory
}

func RegisterRegionRoutes(e *router.Group, h *RegionHandler) {
	e.GET("/regions/health", h.ListRegionHealth)
}

func NewRegionHandler(directory RegionDirectory) *RegionHandler {
	return &RegionHandler{
		directory: directory,
	}
}

type regionHealthResponse struct {
	Regions []model.RegionProfile `json:"regions"`
}

func (h *RegionHandler) ListRegionHealth(ctx *xhttp.RequestCtx) {
	writeJSON(ctx, 200, regionHealthResponse{Regions: h.directory.Snapshot()})
}
