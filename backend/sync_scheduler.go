package backend

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	SyncedStatusMessage    = "Synced to Notion"
	failedStatusPrefix     = "Notion sync failed: "
	flushTimeoutMessage    = "Quit before Notion sync finished."
	defaultSyncDebounce    = 1200 * time.Millisecond
	defaultSyncGrace       = 600 * time.Millisecond
	defaultStatusClearTime = 2500 * time.Millisecond
)

// NoteSyncer はノート1件をNotionへ同期する
type NoteSyncer interface {
	SyncEnabled() bool
	SyncNote(ctx context.Context, note NoteSnapshot) SyncOutcome
}

// SchedulerOptions は同期スケジューラの待ち時間
type SchedulerOptions struct {
	Debounce   time.Duration // 最後の編集から同期開始までの待ち時間
	Grace      time.Duration // 同期中表示を出すまでの猶予
	ClearAfter time.Duration // 成功メッセージを消すまでの時間
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.Debounce <= 0 {
		o.Debounce = defaultSyncDebounce
	}
	if o.Grace <= 0 {
		o.Grace = defaultSyncGrace
	}
	if o.ClearAfter <= 0 {
		o.ClearAfter = defaultStatusClearTime
	}
	return o
}

// pendingSync はノート1件分の保留中または実行中の同期
type pendingSync struct {
	seq    uint64
	noteID string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	fire     chan struct{} // 待ち時間を打ち切って即時実行する
	fireOnce sync.Once

	prev *pendingSync // 置き換えられた前のタスク。これの完了を待ってから通信する
}

func (p *pendingSync) expedite() {
	p.fireOnce.Do(func() { close(p.fire) })
}

// SyncScheduler はノートごとに同期をまとめ、順番に実行する
// 同じノートの新しい要求は古い要求を取り消し、古い要求の終了を待ってから通信する
type SyncScheduler struct {
	syncer NoteSyncer
	status *SyncStatusBoard
	logger AppLogger
	opts   SchedulerOptions

	mu       sync.Mutex
	tasks    map[string]*pendingSync // 取り消されていないタスク
	latest   map[string]*pendingSync // 取り消し済みを含む最後のタスク。順序の保証に使う
	problems map[string]SyncProblem  // ノートごとの直近の失敗または一時停止。成功で消える
	seq      uint64
	closed   bool
}

func NewSyncScheduler(syncer NoteSyncer, status *SyncStatusBoard, logger AppLogger, opts SchedulerOptions) *SyncScheduler {
	return &SyncScheduler{
		syncer: syncer,
		status: status,
		logger: logger,
		opts:   opts.withDefaults(),
		tasks:    make(map[string]*pendingSync),
		latest:   make(map[string]*pendingSync),
		problems: make(map[string]SyncProblem),
	}
}

// Schedule はノートの同期を予約する。同期が無効な場合は何も記録しない
func (s *SyncScheduler) Schedule(note NoteSnapshot) {
	if !s.syncer.SyncEnabled() {
		return
	}
	note = note.clone()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.latest[note.ID]
	if prev != nil {
		prev.cancel()
	}
	s.seq++
	ctx, cancel := context.WithCancel(context.Background())
	task := &pendingSync{
		seq:    s.seq,
		noteID: note.ID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		fire:   make(chan struct{}),
		prev:   prev,
	}
	s.tasks[note.ID] = task
	s.latest[note.ID] = task
	s.mu.Unlock()

	s.logger.Console("Notion sync scheduled for note %s", note.ID)
	go s.run(task, note)
}

func (s *SyncScheduler) run(task *pendingSync, note NoteSnapshot) {
	defer s.finish(task)

	timer := time.NewTimer(s.opts.Debounce)
	select {
	case <-timer.C:
	case <-task.fire:
		timer.Stop()
	case <-task.ctx.Done():
		timer.Stop()
		return
	}

	if prev := task.prev; prev != nil {
		select {
		case <-prev.done:
		case <-task.ctx.Done():
			return
		}
		task.prev = nil
	}
	if task.ctx.Err() != nil {
		return
	}

	// 待機中に設定が変わることがあるため実行直前に確認し直す
	if !s.syncer.SyncEnabled() {
		s.applyIfCurrent(task, s.status.Clear)
		return
	}

	outcome := s.syncWithGrace(task, note)
	s.applyIfCurrent(task, func() {
		s.applyOutcome(note.ID, outcome)
	})
}

// syncWithGrace は同期が猶予時間内に終わらない場合のみ同期中フラグを上げる
// 上げたフラグは結果に関わらず必ず下げる
func (s *SyncScheduler) syncWithGrace(task *pendingSync, note NoteSnapshot) SyncOutcome {
	var mu sync.Mutex
	raised, finished := false, false

	grace := time.AfterFunc(s.opts.Grace, func() {
		mu.Lock()
		defer mu.Unlock()
		if finished || task.ctx.Err() != nil {
			return
		}
		raised = true
		s.status.BeginSyncing()
	})

	outcome := s.syncer.SyncNote(task.ctx, note)

	grace.Stop()
	mu.Lock()
	finished = true
	if raised {
		s.status.EndSyncing()
	}
	mu.Unlock()
	return outcome
}

// applyOutcome は s.mu を保持した状態で呼ぶ
// 状態表示は最後の結果だけを示すため、ノートごとの失敗は problems に残す
func (s *SyncScheduler) applyOutcome(noteID string, outcome SyncOutcome) {
	switch outcome.Kind {
	case SyncOutcomeSynced:
		s.logger.Console("Notion sync finished for note %s", noteID)
		delete(s.problems, noteID)
		s.status.ShowTransient(SyncedStatusMessage, s.opts.ClearAfter)
	case SyncOutcomeSkipped:
		delete(s.problems, noteID)
		s.status.Clear()
	case SyncOutcomePaused:
		s.logger.Console("Notion sync paused for note %s: %s", noteID, outcome.Message)
		s.problems[noteID] = SyncProblem{NoteID: noteID, Kind: outcome.Kind, Message: outcome.Message}
		s.status.ShowInfo(outcome.Message)
	case SyncOutcomeFailed:
		s.logger.Console("Notion sync failed for note %s: %s", noteID, outcome.Message)
		message := failedStatusPrefix + outcome.Message
		s.problems[noteID] = SyncProblem{NoteID: noteID, Kind: outcome.Kind, Message: message}
		s.status.ShowError(message)
	}
}

// applyIfCurrent は取り消されておらず最新のタスクである場合のみ fn を実行する
// Cancel/CancelAll と同じロックの中で判定するため、取り消し後に状態が書き換わることはない
func (s *SyncScheduler) applyIfCurrent(task *pendingSync, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ctx.Err() != nil || s.tasks[task.noteID] != task {
		return
	}
	fn()
}

func (s *SyncScheduler) finish(task *pendingSync) {
	s.mu.Lock()
	if s.tasks[task.noteID] == task {
		delete(s.tasks, task.noteID)
	}
	if s.latest[task.noteID] == task {
		delete(s.latest, task.noteID)
	}
	s.mu.Unlock()
	task.cancel()
	close(task.done)
}

// Cancel はノート1件の保留中の同期を取り消す（ノート削除時）
func (s *SyncScheduler) Cancel(noteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[noteID]; ok {
		task.cancel()
		delete(s.tasks, noteID)
	}
	delete(s.problems, noteID)
}

// CancelAll は全ての同期を取り消し、表示中のメッセージを消す
func (s *SyncScheduler) CancelAll() {
	s.mu.Lock()
	for id, task := range s.tasks {
		task.cancel()
		delete(s.tasks, id)
	}
	clear(s.problems)
	s.mu.Unlock()
	s.status.Reset()
}

// HasPending は待機中または実行中の同期があるかどうかを返す
func (s *SyncScheduler) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks) > 0
}

// Problems は直近の同期が失敗または一時停止したノートをノートID順に返す
func (s *SyncScheduler) Problems() []SyncProblem {
	s.mu.Lock()
	defer s.mu.Unlock()
	problems := make([]SyncProblem, 0, len(s.problems))
	for _, problem := range s.problems {
		problems = append(problems, problem)
	}
	sort.Slice(problems, func(i, j int) bool { return problems[i].NoteID < problems[j].NoteID })
	return problems
}

// FlushAll は呼び出し時点のタスクを即時実行させ、終了を待つ
// 呼び出し後に予約されたタスクは待たない。タイムアウトした場合は false を返す
func (s *SyncScheduler) FlushAll(timeout time.Duration) bool {
	s.mu.Lock()
	pending := make([]*pendingSync, 0, len(s.tasks))
	for _, task := range s.tasks {
		pending = append(pending, task)
	}
	s.mu.Unlock()

	if len(pending) == 0 {
		return true
	}
	for _, task := range pending {
		task.expedite()
	}

	allDone := make(chan struct{})
	go func() {
		for _, task := range pending {
			<-task.done
		}
		close(allDone)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-allDone:
		return true
	case <-timer.C:
		s.logger.Console("Notion sync flush timed out after %s", timeout)
		s.status.ShowError(flushTimeoutMessage)
		return false
	}
}

// Close は全ての同期を取り消し、以降の予約を受け付けない
func (s *SyncScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CancelAll()
}
