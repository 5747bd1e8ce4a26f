package consult

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	transferCeiling   = 90
	processingStart   = 92
	processingCeiling = 99

	defaultTickInterval      = 500 * time.Millisecond
	defaultProcessingTimeout = 15 * time.Second
)

// UploadStatus is the lifecycle state of a pending upload.
type UploadStatus string

const (
	UploadUploading  UploadStatus = "uploading"
	UploadProcessing UploadStatus = "processing"
	UploadDone       UploadStatus = "done"
	UploadFailed     UploadStatus = "failed"
)

// PendingUpload is the optimistic, locally owned view of a send in flight.
type PendingUpload struct {
	TempID     string
	RoomID     string
	Name       string
	PreviewURI string
	MediaKind  MediaKind
	SenderID   string
	Progress   int
	Status     UploadStatus
	CreatedAt  time.Time
}

// UploadResult is what the upload collaborator returns for a stored file.
type UploadResult struct {
	URL          string `json:"url"`
	Format       string `json:"format"`
	ResourceType string `json:"resource_type"`
}

// Uploader transfers a source to remote storage, reporting bytes sent.
type Uploader interface {
	Upload(ctx context.Context, src Source, kind MediaKind, progress func(sent, total int64)) (*UploadResult, error)
}

// Binding connects a room's pending uploads to its channel and observers.
type Binding struct {
	Sender    FrameSender
	OnChange  func()
	OnFailure func(PendingUpload, error)
}

// PipelineOptions tunes timing; zero values use the defaults.
type PipelineOptions struct {
	TickInterval time.Duration
	// ProcessingTimeout retires an entry whose confirming message never
	// arrived. The file frame was already sent, so it is dropped quietly.
	ProcessingTimeout time.Duration
	Now               func() time.Time
	// NewTicker is swapped out by tests. It returns the tick channel and a stop func.
	NewTicker func(time.Duration) (<-chan time.Time, func())
	Logger    zerolog.Logger
}

type pendingEntry struct {
	PendingUpload
	cancel context.CancelFunc
}

type roomUploads struct {
	binding Binding
	pending []*pendingEntry
}

// Pipeline turns local files into stored resources and tracks them as
// optimistic entries until the matching confirmed message arrives.
type Pipeline struct {
	uploader Uploader
	opts     PipelineOptions
	log      zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*roomUploads
}

// NewPipeline creates an upload pipeline backed by uploader.
func NewPipeline(uploader Uploader, opts PipelineOptions) *Pipeline {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = defaultProcessingTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTicker == nil {
		opts.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	return &Pipeline{
		uploader: uploader,
		opts:     opts,
		log:      opts.Logger,
		rooms:    make(map[string]*roomUploads),
	}
}

// Bind attaches a room's channel and observers.
func (p *Pipeline) Bind(roomID string, b Binding) {
	p.mu.Lock()
	p.roomLocked(roomID).binding = b
	p.mu.Unlock()
}

// Release abandons every pending upload of a room and detaches it.
func (p *Pipeline) Release(roomID string) {
	p.mu.Lock()
	ru, ok := p.rooms[roomID]
	delete(p.rooms, roomID)
	p.mu.Unlock()

	if !ok {
		return
	}
	for _, e := range ru.pending {
		e.cancel()
	}
}

func (p *Pipeline) roomLocked(roomID string) *roomUploads {
	ru, ok := p.rooms[roomID]
	if !ok {
		ru = &roomUploads{}
		p.rooms[roomID] = ru
	}
	return ru
}

// Begin creates an uploading entry for src and starts the transfer. It
// returns the entry's temp id right away.
func (p *Pipeline) Begin(src Source, roomID string, kindOverride MediaKind, senderID string) (string, error) {
	if !validSource(src) {
		return "", ErrInvalidSource
	}

	kind := kindOverride
	if kind == "" {
		kind = DetectMediaKind(src)
	}

	tempID := ulid.Make().String()
	ctx, cancel := context.WithCancel(context.Background())
	entry := &pendingEntry{
		PendingUpload: PendingUpload{
			TempID:     tempID,
			RoomID:     roomID,
			Name:       src.Name(),
			PreviewURI: previewURI(src, tempID),
			MediaKind:  kind,
			SenderID:   senderID,
			Status:     UploadUploading,
			CreatedAt:  p.opts.Now(),
		},
		cancel: cancel,
	}

	p.mu.Lock()
	ru := p.roomLocked(roomID)
	ru.pending = append(ru.pending, entry)
	onChange := ru.binding.OnChange
	p.mu.Unlock()

	p.log.Debug().Str("room", roomID).Str("temp_id", tempID).Str("kind", string(kind)).Msg("upload started")
	notify(onChange)

	go p.run(ctx, entry.PendingUpload, src)
	return tempID, nil
}

func (p *Pipeline) run(ctx context.Context, u PendingUpload, src Source) {
	res, err := p.uploader.Upload(ctx, src, u.MediaKind, func(sent, total int64) {
		p.progress(u.RoomID, u.TempID, sent, total)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(u.RoomID, u.TempID, err)
		return
	}

	var (
		sender   FrameSender
		onChange func()
		found    bool
	)
	p.mu.Lock()
	if e := p.findLocked(u.RoomID, u.TempID); e != nil {
		found = true
		e.Status = UploadProcessing
		e.Progress = processingStart
		ru := p.rooms[u.RoomID]
		sender, onChange = ru.binding.Sender, ru.binding.OnChange
	}
	p.mu.Unlock()
	if !found {
		return
	}
	notify(onChange)

	if sender == nil {
		p.fail(u.RoomID, u.TempID, ErrNotConnected)
		return
	}
	fileType := res.ResourceType
	if fileType == "" {
		fileType = string(u.MediaKind)
	}
	err = sender.Send(FileFrame{
		Message:  uploadNotice(u.MediaKind),
		FileURL:  res.URL,
		FileType: fileType,
		SenderID: u.SenderID,
	})
	if err != nil {
		p.fail(u.RoomID, u.TempID, err)
		return
	}

	p.log.Debug().Str("room", u.RoomID).Str("temp_id", u.TempID).Str("url", res.URL).Msg("upload transferred")
	p.simulateProcessing(u.RoomID, u.TempID)
}

// progress maps transferred bytes onto [0, transferCeiling]. It never moves
// progress backwards.
func (p *Pipeline) progress(roomID, tempID string, sent, total int64) {
	if total <= 0 {
		return
	}
	pct := int(sent * transferCeiling / total)
	if pct > transferCeiling {
		pct = transferCeiling
	}

	var onChange func()
	p.mu.Lock()
	if e := p.findLocked(roomID, tempID); e != nil && e.Status == UploadUploading && pct > e.Progress {
		e.Progress = pct
		onChange = p.rooms[roomID].binding.OnChange
	}
	p.mu.Unlock()
	notify(onChange)
}

// simulateProcessing advances progress by one per tick, up to the ceiling,
// while the server finishes its work. It re-checks the entry on every tick,
// stops once the entry is gone, and retires the entry when ProcessingTimeout
// worth of ticks pass without a confirmation.
func (p *Pipeline) simulateProcessing(roomID, tempID string) {
	ticks, stop := p.opts.NewTicker(p.opts.TickInterval)
	defer stop()

	limit := int((p.opts.ProcessingTimeout + p.opts.TickInterval - 1) / p.opts.TickInterval)
	for n := 1; ; n++ {
		if _, ok := <-ticks; !ok {
			return
		}

		var (
			onChange func()
			expired  bool
		)
		p.mu.Lock()
		e := p.findLocked(roomID, tempID)
		if e == nil || e.Status != UploadProcessing {
			p.mu.Unlock()
			return
		}
		switch {
		case n >= limit:
			p.removeLocked(roomID, tempID)
			expired = true
			onChange = p.rooms[roomID].binding.OnChange
		case e.Progress < processingCeiling:
			e.Progress++
			onChange = p.rooms[roomID].binding.OnChange
		}
		p.mu.Unlock()
		notify(onChange)

		if expired {
			e.cancel()
			p.log.Info().Str("room", roomID).Str("temp_id", tempID).Msg("upload never confirmed, dropping entry")
			return
		}
	}
}

func (p *Pipeline) fail(roomID, tempID string, cause error) {
	p.mu.Lock()
	e := p.removeLocked(roomID, tempID)
	var b Binding
	if ru, ok := p.rooms[roomID]; ok {
		b = ru.binding
	}
	p.mu.Unlock()
	if e == nil {
		return
	}

	p.log.Warn().Err(cause).Str("room", roomID).Str("temp_id", tempID).Msg("upload failed")
	snapshot := e.PendingUpload
	snapshot.Status = UploadFailed
	notify(b.OnChange)
	if b.OnFailure != nil {
		b.OnFailure(snapshot, cause)
	}
}

// Cancel aborts an upload that is still transferring.
func (p *Pipeline) Cancel(roomID, tempID string) error {
	p.mu.Lock()
	e := p.findLocked(roomID, tempID)
	if e == nil {
		p.mu.Unlock()
		return ErrUnknownUpload
	}
	if e.Status != UploadUploading {
		p.mu.Unlock()
		return ErrNotCancelable
	}
	p.removeLocked(roomID, tempID)
	onChange := p.rooms[roomID].binding.OnChange
	p.mu.Unlock()

	e.cancel()
	notify(onChange)
	return nil
}

// Reconcile retires the oldest dispatched upload of the room when a confirmed
// message from the local user arrives. Matching is FIFO on sender alone and
// assumes sends are serialised per room. Entries still transferring have not
// been announced yet and are skipped. Server timestamps are not compared with
// local clocks: an entry in processing has already sent its file frame.
func (p *Pipeline) Reconcile(roomID string, msg Message, localUserID string) (PendingUpload, bool) {
	if localUserID == "" || msg.SenderID != localUserID {
		return PendingUpload{}, false
	}

	p.mu.Lock()
	ru, ok := p.rooms[roomID]
	if !ok {
		p.mu.Unlock()
		return PendingUpload{}, false
	}
	var target *pendingEntry
	for _, e := range ru.pending {
		if e.Status == UploadProcessing {
			target = e
			break
		}
	}
	if target == nil {
		p.mu.Unlock()
		return PendingUpload{}, false
	}
	p.removeLocked(roomID, target.TempID)
	onChange := ru.binding.OnChange
	p.mu.Unlock()

	target.cancel()
	notify(onChange)

	done := target.PendingUpload
	done.Status = UploadDone
	done.Progress = 100
	return done, true
}

// Pending returns a snapshot of the room's pending uploads, oldest first.
func (p *Pipeline) Pending(roomID string) []PendingUpload {
	p.mu.Lock()
	defer p.mu.Unlock()

	ru, ok := p.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]PendingUpload, len(ru.pending))
	for i, e := range ru.pending {
		out[i] = e.PendingUpload
	}
	return out
}

// Get returns one pending upload by temp id.
func (p *Pipeline) Get(roomID, tempID string) (PendingUpload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e := p.findLocked(roomID, tempID); e != nil {
		return e.PendingUpload, nil
	}
	return PendingUpload{}, ErrUnknownUpload
}

func (p *Pipeline) findLocked(roomID, tempID string) *pendingEntry {
	ru, ok := p.rooms[roomID]
	if !ok {
		return nil
	}
	for _, e := range ru.pending {
		if e.TempID == tempID {
			return e
		}
	}
	return nil
}

func (p *Pipeline) removeLocked(roomID, tempID string) *pendingEntry {
	ru, ok := p.rooms[roomID]
	if !ok {
		return nil
	}
	for i, e := range ru.pending {
		if e.TempID == tempID {
			ru.pending = append(ru.pending[:i], ru.pending[i+1:]...)
			return e
		}
	}
	return nil
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}
