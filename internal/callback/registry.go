package callback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/chatshare/internal/model"
)

// PendingStore は配送先のないコールバックの保存先。tokenstore.Storeが実装する。
type PendingStore interface {
	PutPendingCallback(ctx context.Context, p model.CallbackParams) error
}

// Waiter はコールバックを待つ1回分のログインフローを表す。
type Waiter struct {
	ID    string
	State string

	ch  chan model.CallbackParams
	reg *Registry
}

// C は配送されたコールバックを受け取るチャネルを返す。
func (w *Waiter) C() <-chan model.CallbackParams {
	return w.ch
}

// Wait はコールバックが届くかctxが終了するまで待つ。
// ctx終了時は待ち受けを解除し、ctx.Err()を返す。
func (w *Waiter) Wait(ctx context.Context) (model.CallbackParams, error) {
	select {
	case p := <-w.ch:
		return p, nil
	case <-ctx.Done():
		w.Cancel()
		return model.CallbackParams{}, ctx.Err()
	}
}

// Cancel は待ち受けを解除する。複数回呼んでもよい。
func (w *Waiter) Cancel() {
	w.reg.remove(w.ID)
}

// Registry はコールバックの待ち受けを管理する。
type Registry struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
	order   []string

	pending PendingStore
	logger  *slog.Logger
}

// NewRegistry はRegistryを生成する。pendingがnilの場合、配送先のないコールバックは破棄する。
func NewRegistry(pending PendingStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		waiters: make(map[string]*Waiter),
		pending: pending,
		logger:  logger,
	}
}

// Register はstateに対する待ち受けを登録する。
func (r *Registry) Register(state string) *Waiter {
	w := &Waiter{
		ID:    uuid.NewString(),
		State: state,
		ch:    make(chan model.CallbackParams, 1),
		reg:   r,
	}

	r.mu.Lock()
	r.waiters[w.ID] = w
	r.order = append(r.order, w.ID)
	r.mu.Unlock()

	r.logger.Debug("callback waiter registered", slog.String("waiter_id", w.ID))
	return w
}

// Len は登録中の待ち受け数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Deliver はコールバックを待ち受けに配送する。
//
// 配送先の決定:
//   - stateが一致する待ち受けがあればそこへ
//   - stateがなく待ち受けが1つだけならそこへ（WebView経由のコールバック）
//   - それ以外（stateが一致しないものを含む）はPendingStoreに保存する
//
// 待ち受けに配送できた場合はtrueを返す。
func (r *Registry) Deliver(ctx context.Context, p model.CallbackParams) (bool, error) {
	if w := r.take(p.State); w != nil {
		w.ch <- p
		r.logger.Info("callback delivered",
			slog.String("waiter_id", w.ID),
			slog.Bool("has_code", p.Code != ""),
			slog.String("callback_error", p.Error),
		)
		return true, nil
	}

	if r.pending == nil {
		r.logger.Warn("callback dropped, no waiter registered")
		return false, nil
	}
	if err := r.pending.PutPendingCallback(ctx, p); err != nil {
		r.logger.Error("failed to persist pending callback", slog.String("error", err.Error()))
		return false, err
	}
	r.logger.Info("callback persisted for later pickup",
		slog.Bool("has_code", p.Code != ""),
		slog.String("callback_error", p.Error),
	)
	return false, nil
}

// take は配送先の待ち受けを取り出して登録解除する。
func (r *Registry) take(state string) *Waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *Waiter
	switch {
	case state != "":
		for _, id := range r.order {
			if w := r.waiters[id]; w.State == state {
				target = w
				break
			}
		}
	case len(r.waiters) == 1:
		target = r.waiters[r.order[0]]
	}
	if target == nil {
		return nil
	}
	r.removeLocked(target.ID)
	return target
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	if _, ok := r.waiters[id]; !ok {
		return
	}
	delete(r.waiters, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
