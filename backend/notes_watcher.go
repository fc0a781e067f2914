package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultNotesDebounce = 100 * time.Millisecond

// NoteSink はノートの変更と削除を受け取る
type NoteSink interface {
	ScheduleNotionSync(note NoteSnapshot)
	NotifyNoteDeleted(noteID string) error
}

// NotesWatcher はノート一覧ファイルを監視し、変更のあったノートだけ同期を予約する
type NotesWatcher struct {
	path     string
	sink     NoteSink
	logger   AppLogger
	debounce time.Duration

	mu     sync.Mutex
	hashes map[string]string // ノートID -> 前回反映時のハッシュ
}

func NewNotesWatcher(path string, sink NoteSink, logger AppLogger) *NotesWatcher {
	return &NotesWatcher{
		path:     filepath.Clean(path),
		sink:     sink,
		logger:   logger,
		debounce: defaultNotesDebounce,
		hashes:   make(map[string]string),
	}
}

// Prime は現在の内容を反映済みとして記録する（同期は予約しない）
func (w *NotesWatcher) Prime(notes []Note) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hashes = make(map[string]string, len(notes))
	for _, note := range notes {
		w.hashes[note.ID] = noteHash(note)
	}
}

// Reconcile は前回との差分から同期の予約と削除の通知を行う
func (w *NotesWatcher) Reconcile(notes []Note) (scheduled, deleted int) {
	w.mu.Lock()
	seen := make(map[string]string, len(notes))
	var changed []Note
	for _, note := range notes {
		hash := noteHash(note)
		seen[note.ID] = hash
		if w.hashes[note.ID] != hash {
			changed = append(changed, note)
		}
	}
	var removed []string
	for id := range w.hashes {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	w.hashes = seen
	w.mu.Unlock()

	for _, note := range changed {
		w.sink.ScheduleNotionSync(note.Snapshot())
	}
	for _, id := range removed {
		if err := w.sink.NotifyNoteDeleted(id); err != nil {
			w.logger.Error(err, "failed to forget deleted note %s", id)
		}
	}
	return len(changed), len(removed)
}

// Run はファイルの変更を監視し、ctx が終了するまで差分を反映し続ける
// エディタは一時ファイルからの置き換えで保存することがあるため、ディレクトリ単位で監視する
func (w *NotesWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Console("Watching notes file %s", w.path)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err, "notes watcher error")
		case <-timerC:
			timer, timerC = nil, nil
			w.reload()
		}
	}
}

func (w *NotesWatcher) reload() {
	notes, err := LoadNotesFile(w.path)
	if err != nil {
		// 書き込み途中の場合があるため次の変更を待つ
		w.logger.Console("Skipping notes reload: %v", err)
		return
	}
	scheduled, deleted := w.Reconcile(notes)
	if scheduled > 0 || deleted > 0 {
		w.logger.Info("Notes changed: %d scheduled, %d removed", scheduled, deleted)
	}
}
