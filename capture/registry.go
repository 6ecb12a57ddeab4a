package capture

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/EasyDarwin/EasyCapture/models"
)

var (
	ErrInvalidKey       = errors.New("owner_id and camera_id are required and may not contain path separators")
	ErrSourceRequired   = errors.New("rtsp_url is required")
	ErrRegistryShutdown = errors.New("registry is shutting down")
	ErrSegmentSeconds   = errors.New("segment_seconds must be positive")
)

// Key identifies one camera of one owner.
type Key struct {
	OwnerID  string
	CameraID string
}

func (k Key) String() string {
	return k.OwnerID + "/" + k.CameraID
}

func (k Key) validate() error {
	for _, part := range []string{k.OwnerID, k.CameraID} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return ErrInvalidKey
		}
	}
	return nil
}

// StartParams overrides the registry defaults for one stream. Nil fields
// keep the default.
type StartParams struct {
	SourceURL      string
	SegmentSeconds *int
	AlignFirstCut  *bool
	StartupWindow  *time.Duration
}

// UpdateParams carries the fields to change; empty or nil fields keep the
// current value. Graceful is opt-in here: the zero value swaps at once.
// The HTTP API defaults it to true.
type UpdateParams struct {
	SourceURL      string
	SegmentSeconds *int
	AlignFirstCut  *bool
	Graceful       bool
}

type UpdateResult struct {
	Scheduled         bool           `json:"scheduled"`
	Graceful          bool           `json:"graceful"`
	NewSegmentSeconds int            `json:"new_segment_seconds"`
	NewAlignFirstCut  bool           `json:"new_align_first_cut"`
	Stream            *models.Stream `json:"stream,omitempty"`
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Registry owns at most one recorder per Key. Operations on the same key
// are serialized; different keys never wait on each other's process
// start or shutdown.
type Registry struct {
	opts Options

	mu        sync.Mutex
	recorders map[Key]*Recorder
	locks     map[Key]*keyLock

	pending sync.WaitGroup
	closing chan struct{}
	once    sync.Once

	now   func() time.Time
	sleep func(d time.Duration, cancel <-chan struct{}) bool
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:      opts.withDefaults(),
		recorders: make(map[Key]*Recorder),
		locks:     make(map[Key]*keyLock),
		closing:   make(chan struct{}),
		now:       time.Now,
		sleep:     sleepOrCancel,
	}
}

// Start returns the live recorder for key, or starts a new supervised one.
// A finished recorder left in the registry is replaced. The source URL is
// only required when a new recorder has to be started.
func (r *Registry) Start(key Key, p StartParams) (*Recorder, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if p.SegmentSeconds != nil && *p.SegmentSeconds <= 0 {
		return nil, ErrSegmentSeconds
	}
	if isClosed(r.closing) {
		return nil, ErrRegistryShutdown
	}

	unlock := r.lockKey(key)
	defer unlock()

	cur := r.get(key)
	if cur != nil && cur.Active() {
		return cur, nil
	}
	if p.SourceURL == "" {
		return nil, ErrSourceRequired
	}
	if cur != nil {
		cur.Stop()
	}
	return r.spawn(key, p)
}

// Stop terminates and forgets the recorder for key. It reports whether one existed.
func (r *Registry) Stop(key Key) bool {
	unlock := r.lockKey(key)
	defer unlock()

	rec := r.get(key)
	if rec == nil {
		return false
	}
	rec.Stop()
	r.mu.Lock()
	if r.recorders[key] == rec {
		delete(r.recorders, key)
	}
	r.mu.Unlock()
	log.Infof("stream %s stopped", key)
	return true
}

// Update changes the source, segment length or alignment of a stream by
// replacing its recorder in the background. With graceful set the swap
// happens at the next boundary of the new segment length. A key with no
// recorder is started directly.
func (r *Registry) Update(key Key, p UpdateParams) (*UpdateResult, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if p.SegmentSeconds != nil && *p.SegmentSeconds <= 0 {
		return nil, ErrSegmentSeconds
	}
	if isClosed(r.closing) {
		return nil, ErrRegistryShutdown
	}

	unlock := r.lockKey(key)
	cur := r.get(key)
	unlock()

	if cur == nil {
		rec, err := r.Start(key, StartParams{
			SourceURL:      p.SourceURL,
			SegmentSeconds: p.SegmentSeconds,
			AlignFirstCut:  p.AlignFirstCut,
		})
		if err != nil {
			return nil, err
		}
		info := rec.Info()
		return &UpdateResult{
			NewSegmentSeconds: rec.SegmentSeconds,
			NewAlignFirstCut:  rec.AlignFirstCut,
			Stream:            &info,
		}, nil
	}

	next := mergeParams(cur, p)
	// pairs with Shutdown closing r.closing under r.mu before it waits
	r.mu.Lock()
	if isClosed(r.closing) {
		r.mu.Unlock()
		return nil, ErrRegistryShutdown
	}
	r.pending.Add(1)
	r.mu.Unlock()
	go r.swap(key, p, *next.SegmentSeconds)

	return &UpdateResult{
		Scheduled:         true,
		Graceful:          p.Graceful,
		NewSegmentSeconds: *next.SegmentSeconds,
		NewAlignFirstCut:  *next.AlignFirstCut,
	}, nil
}

// swap replaces the recorder for key. No lock is held while waiting for
// the boundary, and a stream stopped in the meantime stays stopped.
func (r *Registry) swap(key Key, p UpdateParams, segmentSeconds int) {
	defer r.pending.Done()

	if p.Graceful {
		wait := UntilNextBoundary(r.now(), segmentSeconds)
		log.Infof("stream %s: swapping recorder in %s", key, wait.Round(time.Millisecond))
		if !r.sleep(wait, r.closing) {
			return
		}
	}

	unlock := r.lockKey(key)
	defer unlock()

	if isClosed(r.closing) {
		return
	}
	cur := r.get(key)
	if cur == nil {
		log.Infof("stream %s was stopped before its update applied", key)
		return
	}
	next := mergeParams(cur, p)
	cur.Stop()
	rec, err := r.spawn(key, next)
	if err != nil {
		log.Warnf("stream %s: update dropped: %v", key, err)
		return
	}
	log.Infof("stream %s updated: recorder %s replaced by %s", key, cur.ID, rec.ID)
}

func mergeParams(cur *Recorder, p UpdateParams) StartParams {
	next := StartParams{
		SourceURL:      cur.SourceURL,
		SegmentSeconds: &cur.SegmentSeconds,
		AlignFirstCut:  &cur.AlignFirstCut,
		StartupWindow:  &cur.StartupWindow,
	}
	if p.SourceURL != "" {
		next.SourceURL = p.SourceURL
	}
	if p.SegmentSeconds != nil {
		next.SegmentSeconds = p.SegmentSeconds
	}
	if p.AlignFirstCut != nil {
		next.AlignFirstCut = p.AlignFirstCut
	}
	return next
}

// spawn must be called with the key lock held. Once Shutdown has begun no
// recorder is registered, so none can outlive it.
func (r *Registry) spawn(key Key, p StartParams) (*Recorder, error) {
	opts := r.opts
	if p.SegmentSeconds != nil && *p.SegmentSeconds > 0 {
		opts.SegmentSeconds = *p.SegmentSeconds
	}
	if p.AlignFirstCut != nil {
		opts.AlignFirstCut = *p.AlignFirstCut
	}
	if p.StartupWindow != nil && *p.StartupWindow > 0 {
		opts.StartupWindow = *p.StartupWindow
	}
	rec := NewRecorder(key, p.SourceURL, opts)
	rec.StopHandler = func(rec *Recorder) {
		rec.logger.Infof("supervision finished with status %s", rec.Status())
	}

	r.mu.Lock()
	if isClosed(r.closing) {
		r.mu.Unlock()
		return nil, ErrRegistryShutdown
	}
	r.recorders[key] = rec
	r.mu.Unlock()

	rec.SpawnBackground()
	log.Infof("stream %s started: recorder %s, %ds segments, source %s", key, rec.ID, rec.SegmentSeconds, rec.SourceURL)
	return rec, nil
}

func (r *Registry) Get(key Key) *Recorder {
	return r.get(key)
}

// List snapshots every recorder, ordered by key.
func (r *Registry) List() []models.Stream {
	r.mu.Lock()
	recs := make([]*Recorder, 0, len(r.recorders))
	for _, rec := range r.recorders {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	infos := make([]models.Stream, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, rec.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StreamID < infos[j].StreamID })
	return infos
}

// Shutdown cancels pending updates and stops every recorder.
func (r *Registry) Shutdown() {
	r.once.Do(func() {
		r.mu.Lock()
		close(r.closing)
		r.mu.Unlock()
	})
	r.pending.Wait()

	r.mu.Lock()
	keys := make([]Key, 0, len(r.recorders))
	for k := range r.recorders {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			r.Stop(k)
		}(k)
	}
	wg.Wait()
}

func (r *Registry) get(key Key) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorders[key]
}

// lockKey serializes operations on key and returns the matching unlock.
func (r *Registry) lockKey(key Key) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

func sleepOrCancel(d time.Duration, cancel <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-cancel:
		return false
	}
}
