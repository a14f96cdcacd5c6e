package region

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/valyala/fasthttp"
)

var (
	ErrNoHealthyRegion = errors.New("no healthy region in failover chain")
	ErrUnknownRegion   = errors.New("unknown region")
)

// Region is one independently deployed delivery unit. Health state is kept
// in atomics so the prober and the routing hot path never contend on a lock.
type Region struct {
	code          string
	endpoint      string
	failoverChain []string

	health        atomic.Int32 // model.HealthStatus as ordinal
	lastHeartbeat atomic.Int64
	consecFails   atomic.Int32
	downUntil     atomic.Int64

	client *fasthttp.Client
}

const (
	healthOK int32 = iota
	healthDegraded
	healthDown
)

func healthOrdinal(s model.HealthStatus) int32 {
	switch s {
	case model.HealthDegraded:
		return healthDegraded
	case model.HealthDown:
		return healthDown
	default:
		return healthOK
	}
}

func healthStatus(v int32) model.HealthStatus {
	switch v {
	case healthDegraded:
		return model.HealthDegraded
	case healthDown:
		return model.HealthDown
	default:
		return model.HealthOK
	}
}

func (r *Region) Code() string     { return r.code }
func (r *Region) Endpoint() string { return r.endpoint }

func (r *Region) Health() model.HealthStatus {
	return healthStatus(r.health.Load())
}

func (r *Region) setHealth(s model.HealthStatus) {
	r.health.Store(healthOrdinal(s))
}

// Routable reports whether the region can accept traffic. DEGRADED regions
// still serve; DOWN regions are skipped until the reopen window passes.
func (r *Region) Routable() bool {
	if r.Health() != model.HealthDown {
		return true
	}
	if until := r.downUntil.Load(); until > 0 && time.Now().Unix() > until {
		// Reopen tentatively; the next probe settles the real state.
		r.setHealth(model.HealthDegraded)
		return true
	}
	return false
}

type RegionConfig struct {
	Code          string
	Endpoint      string
	FailoverChain []string
}

type Config struct {
	Regions []RegionConfig
	// HomeMap is the region-configuration collaborator's countryCode ->
	// homeRegion mapping, consumed here, not owned.
	HomeMap map[string]string

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// DownThreshold is the number of consecutive probe failures before a
	// region is marked DOWN.
	DownThreshold int
	// DownReopen is how long a DOWN region is skipped before being retried.
	DownReopen time.Duration
}

// Router resolves the serving region for a conversation's home region and
// runs the background health prober.
type Router struct {
	config  Config
	regions map[string]*Region
	homeMap map[string]string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRouter(config Config) (*Router, error) {
	if len(config.Regions) == 0 {
		return nil, errors.New("at least one region is required")
	}
	if config.ProbeInterval == 0 {
		config.ProbeInterval = 15 * time.Second
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.DownThreshold == 0 {
		config.DownThreshold = 3
	}
	if config.DownReopen == 0 {
		config.DownReopen = time.Minute
	}

	router := &Router{
		config:  config,
		regions: make(map[string]*Region, len(config.Regions)),
		homeMap: config.HomeMap,
		stopCh:  make(chan struct{}),
	}

	for _, rc := range config.Regions {
		router.regions[rc.Code] = &Region{
			code:          rc.Code,
			endpoint:      rc.Endpoint,
			failoverChain: rc.FailoverChain,
			client: &fasthttp.Client{
				ReadTimeout:  config.ProbeTimeout,
				WriteTimeout: config.ProbeTimeout,
			},
		}
		logger.Info("region registered", "code", rc.Code, "endpoint", rc.Endpoint, "failover", rc.FailoverChain)
	}

	return router, nil
}

// Start launches the health prober.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.probeLoop()
}

func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// HomeFor resolves a country code to its home region. Unknown countries get
// the first configured region.
func (r *Router) HomeFor(countryCode string) string {
	if code, ok := r.homeMap[countryCode]; ok {
		return code
	}
	return r.config.Regions[0].Code
}

// Route returns the region that should serve traffic for the given home
// region: the home itself when routable, otherwise the first routable
// region in its precomputed failover chain.
func (r *Router) Route(home string) (*Region, bool, error) {
	region, ok := r.regions[home]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownRegion, home)
	}

	if region.Routable() {
		return region, false, nil
	}

	for _, code := range region.failoverChain {
		fallback, ok := r.regions[code]
		if !ok {
			continue
		}
		if fallback.Routable() {
			logger.Warn("home region unavailable, failing over", "home", home, "served_by", code)
			return fallback, true, nil
		}
	}

	return nil, false, ErrNoHealthyRegion
}

// Get returns a region by code.
func (r *Router) Get(code string) (*Region, error) {
	region, ok := r.regions[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, code)
	}
	return region, nil
}

// Snapshot returns the current health view of every region.
func (r *Router) Snapshot() []model.RegionProfile {
	profiles := make([]model.RegionProfile, 0, len(r.regions))
	for _, rc := range r.config.Regions {
		region := r.regions[rc.Code]
		profiles = append(profiles, model.RegionProfile{
			Code:          rc.Code,
			Endpoint:      rc.Endpoint,
			FailoverChain: rc.FailoverChain,
			Health:        region.Health(),
			LastHeartbeat: time.Unix(region.lastHeartbeat.Load(), 0),
		})
	}
	return profiles
}

func (r *Router) probeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.probeAll()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) probeAll() {
	for _, region := range r.regions {
		status, heartbeat, err := r.probe(region)
		old := region.Health()

		if err != nil {
			fails := region.consecFails.Add(1)
			if int(fails) >= r.config.DownThreshold {
				region.setHealth(model.HealthDown)
				region.downUntil.Store(time.Now().Add(r.config.DownReopen).Unix())
				if old != model.HealthDown {
					logger.Warn("region marked DOWN", "region", region.code, "consecutive_fails", fails)
				}
			}
			continue
		}

		region.consecFails.Store(0)
		region.lastHeartbeat.Store(heartbeat.Unix())
		region.setHealth(status)
		if old != status {
			logger.Info("region health changed", "region", region.code, "old", string(old), "new", string(status))
		}
	}
}

type healthResponse struct {
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (r *Router) probe(region *Region) (model.HealthStatus, time.Time, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(region.endpoint + "/health")
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := region.client.DoTimeout(req, resp, r.config.ProbeTimeout); err != nil {
		return model.HealthDown, time.Time{}, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return model.HealthDown, time.Time{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	var health healthResponse
	if err := json.Unmarshal(resp.Body(), &health); err != nil {
		return model.HealthDown, time.Time{}, err
	}

	heartbeat := health.LastHeartbeat
	if heartbeat.IsZero() {
		heartbeat = time.Now()
	}

	switch model.HealthStatus(health.Status) {
	case model.HealthDegraded:
		return model.HealthDegraded, heartbeat, nil
	case model.HealthDown:
		return model.HealthDown, heartbeat, fmt.Errorf("region self-reports DOWN")
	default:
		return model.HealthOK, heartbeat, nil
	}
}

// SetHealth forces a region's health state. Used by operational tooling and
// tests; the prober will overwrite it on its next pass.
func (r *Router) SetHealth(code string, status model.HealthStatus) error {
	region, ok := r.regions[code]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, code)
	}
	region.setHealth(status)
	if status == model.HealthDown {
		region.downUntil.Store(time.Now().Add(r.config.DownReopen).Unix())
	}
	return nil
}
