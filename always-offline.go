package alwaysoffline

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/always-offline/cache"
	"github.com/always-cache/always-offline/pkg/bypass"
	cachekey "github.com/always-cache/always-offline/pkg/cache-key"
	manifest "github.com/always-cache/always-offline/pkg/precache-manifest"
	serializer "github.com/always-cache/always-offline/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// ErrNotActivated is returned by operations that need a controlling generation.
var ErrNotActivated = xerrors.New("worker is not activated")

// DefaultFallbackDocument is served for failed document requests.
const DefaultFallbackDocument = "/index.html"

// number of manifest assets fetched at the same time during install
const precacheParallelism = 6

type Config struct {
	// Storage for cache generations.
	Storage cache.Storage
	// Origin of the application. Only requests to this origin are cached.
	Origin url.URL
	// Assets to precache, and the version tag that names the generation.
	Manifest manifest.Manifest
	// Path prefixes that always go to the network, never through the cache.
	Bypass bypass.Table
	// Root-relative path of the document served when a navigation fails.
	// DefaultFallbackDocument is used if empty.
	FallbackDocument string
	// Transport used for network requests. http.DefaultTransport is used if nil.
	// Redirects are not followed, they are returned as is.
	Network http.RoundTripper
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// State is the lifecycle state of a worker.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return "unknown"
}

// Worker owns one cache generation: it installs the manifest into it,
// activates it (deleting every other generation), and routes requests.
type Worker struct {
	storage          cache.Storage
	keyer            cachekey.Keyer
	manifest         manifest.Manifest
	generation       string
	bypass           bypass.Table
	fallbackDocument string
	network          http.RoundTripper
	log              zerolog.Logger

	state       atomic.Int32
	skipWaiting atomic.Bool

	mutex sync.RWMutex
	// the generation requests are routed through, nil until activation claims clients
	controlling cache.Cache
}

// CreateWorker validates the config and sets up a worker in the parsed state.
func CreateWorker(config Config) (*Worker, error) {
	if config.Storage == nil {
		return nil, xerrors.New("no cache storage configured")
	}
	if !config.Origin.IsAbs() || config.Origin.Host == "" {
		return nil, xerrors.Errorf("origin %q is not an absolute URL", config.Origin.String())
	}
	if err := config.Manifest.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid manifest: %w", err)
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	generation := config.Manifest.Generation()
	logger = logger.With().
		Str("origin", config.Origin.String()).
		Str("generation", generation).
		Logger()

	w := &Worker{
		storage:          config.Storage,
		keyer:            cachekey.NewKeyer(&config.Origin),
		manifest:         config.Manifest,
		generation:       generation,
		bypass:           config.Bypass,
		fallbackDocument: config.FallbackDocument,
		network:          config.Network,
		log:              logger,
	}
	if w.fallbackDocument == "" {
		w.fallbackDocument = DefaultFallbackDocument
	}
	// the fallback is only guaranteed to be cached if it is precached
	if !w.manifest.Contains(w.fallbackDocument) {
		return nil, xerrors.Errorf("fallback document %s is not in the manifest", w.fallbackDocument)
	}
	if w.network == nil {
		w.network = http.DefaultTransport
	}
	return w, nil
}

// Generation returns the name of the generation this worker owns.
func (w *Worker) Generation() string {
	return w.generation
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.log.Info().Str("state", s.String()).Msg("Lifecycle transition")
}

// SkipWaiting reports whether the worker may be activated right away,
// without waiting for clients of the previous generation to go away.
func (w *Worker) SkipWaiting() bool {
	return w.skipWaiting.Load()
}

// Controlling reports whether requests are routed through the cache.
func (w *Worker) Controlling() bool {
	return w.controller() != nil
}

func (w *Worker) controller() cache.Cache {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.controlling
}

// AssetOutcome is the result of precaching one manifest asset.
type AssetOutcome struct {
	Asset string
	Err   error
}

// InstallReport describes what install stored.
type InstallReport struct {
	Generation string
	// Batch is true if all assets were stored as a single batch.
	Batch    bool
	Outcomes []AssetOutcome
}

// Stored returns the assets that are in the cache.
func (r InstallReport) Stored() []string {
	stored := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Err == nil {
			stored = append(stored, o.Asset)
		}
	}
	return stored
}

// Skipped returns the assets that could not be cached.
func (r InstallReport) Skipped() []string {
	skipped := make([]string, 0)
	for _, o := range r.Outcomes {
		if o.Err != nil {
			skipped = append(skipped, o.Asset)
		}
	}
	return skipped
}

// Install opens the worker's generation and precaches the manifest into it.
// All assets are first stored as one batch; if any of them is unavailable,
// every asset is tried on its own and failures are skipped.
// Unavailable assets never fail the install, only storage errors do.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Generation: w.generation}
	w.setState(StateInstalling)

	c, err := w.storage.Open(w.generation)
	if err != nil {
		return report, xerrors.Errorf("failed to open generation %s: %w", w.generation, err)
	}

	if err := w.addAll(ctx, c); err == nil {
		report.Batch = true
		for _, asset := range w.manifest.Assets {
			report.Outcomes = append(report.Outcomes, AssetOutcome{Asset: asset})
		}
	} else {
		w.log.Warn().Err(err).Msg("Precache batch failed, caching assets one by one")
		report.Outcomes = w.addEach(ctx, c)
	}

	w.log.Info().
		Bool("batch", report.Batch).
		Int("stored", len(report.Stored())).
		Strs("skipped", report.Skipped()).
		Msg("Installed")
	// do not wait for clients of the previous generation
	w.skipWaiting.Store(true)
	w.setState(StateInstalled)
	return report, nil
}

// addAll fetches every asset and stores them all, or none.
func (w *Worker) addAll(ctx context.Context, c cache.Cache) error {
	entries := make([]cache.Entry, len(w.manifest.Assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheParallelism)
	for i, asset := range w.manifest.Assets {
		i, asset := i, asset
		g.Go(func() error {
			entry, err := w.fetchAsset(gctx, asset)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.PutAll(entries)
}

// addEach fetches and stores assets one at a time, collecting an outcome per asset.
func (w *Worker) addEach(ctx context.Context, c cache.Cache) []AssetOutcome {
	outcomes := make([]AssetOutcome, 0, len(w.manifest.Assets))
	for _, asset := range w.manifest.Assets {
		entry, err := w.fetchAsset(ctx, asset)
		if err == nil {
			err = c.Put(entry)
		}
		if err != nil {
			w.log.Warn().Err(err).Str("asset", asset).Msg("Skipping asset")
		} else {
			w.log.Trace().Str("asset", asset).Msg("Precached asset")
		}
		outcomes = append(outcomes, AssetOutcome{Asset: asset, Err: err})
	}
	return outcomes
}

// fetchAsset gets one manifest asset from the network as a cache entry.
func (w *Worker) fetchAsset(ctx context.Context, asset string) (cache.Entry, error) {
	key, err := w.keyer.PathKey(asset)
	if err != nil {
		return cache.Entry{}, err
	}
	req, err := w.keyer.RequestFromKey(key)
	if err != nil {
		return cache.Entry{}, xerrors.Errorf("failed to create request for %s: %w", asset, err)
	}
	res, err := w.network.RoundTrip(req.WithContext(ctx))
	if err != nil {
		return cache.Entry{}, xerrors.Errorf("failed to fetch %s: %w", asset, err)
	}
	defer res.Body.Close()
	if !w.cacheable(res) {
		return cache.Entry{}, xerrors.Errorf("failed to fetch %s: status %d", asset, res.StatusCode)
	}
	return w.entry(key, res)
}

// entry snapshots the response as a cache entry stored now.
func (w *Worker) entry(key string, res *http.Response) (cache.Entry, error) {
	now := time.Now()
	snap, err := serializer.FromResponse(res, now)
	if err != nil {
		return cache.Entry{}, err
	}
	bts, err := snap.ToBytes()
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{Key: key, StoredAt: now, Bytes: bts}, nil
}

// ActivateReport describes what activation deleted.
type ActivateReport struct {
	Generation string
	Deleted    []string
}

// Activate deletes every generation other than the worker's own and then
// claims clients: from then on requests are routed through the cache.
// It does not wait for requests already in flight.
// If a generation cannot be deleted, clients are not claimed.
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	report := ActivateReport{Generation: w.generation}
	w.setState(StateActivating)

	names, err := w.storage.Keys()
	if err != nil {
		return report, xerrors.Errorf("failed to list generations: %w", err)
	}
	var firstErr error
	for _, name := range names {
		if name == w.generation {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := w.storage.Delete(name); err != nil {
			w.log.Error().Err(err).Str("condemned", name).Msg("Could not delete generation")
			if firstErr == nil {
				firstErr = xerrors.Errorf("failed to delete generation %s: %w", name, err)
			}
			continue
		}
		w.log.Debug().Str("condemned", name).Msg("Deleted generation")
		report.Deleted = append(report.Deleted, name)
	}
	if firstErr != nil {
		return report, firstErr
	}

	c, err := w.storage.Open(w.generation)
	if err != nil {
		return report, xerrors.Errorf("failed to open generation %s: %w", w.generation, err)
	}
	w.mutex.Lock()
	w.controlling = c
	w.mutex.Unlock()

	w.setState(StateActivated)
	return report, nil
}

// Start runs the whole lifecycle: install, then activate right away.
func (w *Worker) Start(ctx context.Context) (InstallReport, ActivateReport, error) {
	installReport, err := w.Install(ctx)
	if err != nil {
		return installReport, ActivateReport{}, err
	}
	if !w.SkipWaiting() {
		return installReport, ActivateReport{}, nil
	}
	activateReport, err := w.Activate(ctx)
	return installReport, activateReport, err
}
