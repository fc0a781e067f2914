package backend

import (
	"sync"
	"time"
)

// StatusNotifier は同期状態が変わるたびに呼ばれる
// 状態更新用ゴルーチンから呼ばれるため、SyncStatusBoard のメソッドを呼び返してはならない
type StatusNotifier func(SyncStatus)

// SyncStatusBoard はUIに公開する同期状態を1つのゴルーチンだけで更新する
// 読み出し側には常にコピーを返す
type SyncStatusBoard struct {
	ops  chan statusOp
	done chan struct{}

	publishedMu sync.RWMutex
	published   SyncStatus

	closeOnce sync.Once
}

type statusOp struct {
	apply func(*statusState)
	ack   chan struct{}
}

// statusState は状態更新用ゴルーチンだけが触る
type statusState struct {
	status     SyncStatus
	inFlight   int
	clearSeq   uint64
	clearTimer *time.Timer
	notify     StatusNotifier
}

func NewSyncStatusBoard(notify StatusNotifier) *SyncStatusBoard {
	b := &SyncStatusBoard{
		ops:  make(chan statusOp),
		done: make(chan struct{}),
	}
	go b.loop(&statusState{notify: notify})
	return b
}

func (b *SyncStatusBoard) loop(st *statusState) {
	for {
		select {
		case <-b.done:
			if st.clearTimer != nil {
				st.clearTimer.Stop()
			}
			return
		case op := <-b.ops:
			before := st.status
			op.apply(st)
			st.status.SyncInFlight = st.inFlight > 0
			if st.status != before {
				b.publishedMu.Lock()
				b.published = st.status
				b.publishedMu.Unlock()
				if st.notify != nil {
					st.notify(st.status)
				}
			}
			close(op.ack)
		}
	}
}

// submit は更新を状態更新用ゴルーチンに渡し、適用されるまで待つ
func (b *SyncStatusBoard) submit(apply func(*statusState)) {
	op := statusOp{apply: apply, ack: make(chan struct{})}
	select {
	case b.ops <- op:
	case <-b.done:
		return
	}
	select {
	case <-op.ack:
	case <-b.done:
	}
}

// Snapshot は現在の状態のコピーを返す
func (b *SyncStatusBoard) Snapshot() SyncStatus {
	b.publishedMu.RLock()
	defer b.publishedMu.RUnlock()
	return b.published
}

// ShowTransient はメッセージを表示し、after 経過後に消す
// 以前の消去タイマーは置き換える
func (b *SyncStatusBoard) ShowTransient(message string, after time.Duration) {
	b.submit(func(st *statusState) {
		st.status.StatusMessage = message
		st.status.IsError = false
		seq := b.restartClearTimer(st)
		st.clearTimer = time.AfterFunc(after, func() {
			b.submit(func(st *statusState) {
				if st.clearSeq != seq {
					return
				}
				st.clearTimer = nil
				st.status.StatusMessage = ""
				st.status.IsError = false
			})
		})
	})
}

// ShowError は消えないエラーメッセージを表示する
func (b *SyncStatusBoard) ShowError(message string) {
	b.submit(func(st *statusState) {
		b.restartClearTimer(st)
		st.status.StatusMessage = message
		st.status.IsError = true
	})
}

// ShowInfo は消えない通常メッセージを表示する
func (b *SyncStatusBoard) ShowInfo(message string) {
	b.submit(func(st *statusState) {
		b.restartClearTimer(st)
		st.status.StatusMessage = message
		st.status.IsError = false
	})
}

func (b *SyncStatusBoard) Clear() {
	b.submit(func(st *statusState) {
		b.restartClearTimer(st)
		st.status.StatusMessage = ""
		st.status.IsError = false
	})
}

// BeginSyncing と EndSyncing は同期中フラグを参照カウントで上げ下げする
func (b *SyncStatusBoard) BeginSyncing() {
	b.submit(func(st *statusState) {
		st.inFlight++
	})
}

func (b *SyncStatusBoard) EndSyncing() {
	b.submit(func(st *statusState) {
		if st.inFlight > 0 {
			st.inFlight--
		}
	})
}

// Reset はメッセージと消去タイマーを破棄する。同期中フラグは各タスクが下げる
func (b *SyncStatusBoard) Reset() {
	b.Clear()
}

func (b *SyncStatusBoard) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// restartClearTimer は保留中の消去タイマーを無効にし、新しい世代番号を返す
func (b *SyncStatusBoard) restartClearTimer(st *statusState) uint64 {
	if st.clearTimer != nil {
		st.clearTimer.Stop()
		st.clearTimer = nil
	}
	st.clearSeq++
	return st.clearSeq
}
