package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"halo/internal/logs"
)

// AppView — локальная копия состояния приложения-компаньона.
// Пишут её sync-контроллер и realtime-клиент, читает отрисовка.
type AppView struct {
	mu     sync.Mutex
	state  RemoteState
	config map[string]any
}

func NewAppView() *AppView {
	return &AppView{config: map[string]any{}}
}

func (v *AppView) Snapshot() RemoteState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Apply принимает авторитетное состояние целиком.
func (v *AppView) Apply(s RemoteState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}

func (v *AppView) SetAppConnected(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.AppConnected = on
	if !on {
		// без живого приложения остальные флаги недостоверны
		v.state.InCall = false
		v.state.CameraOn = false
	}
}

func (v *AppView) Config() map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]any, len(v.config))
	for k, val := range v.config {
		out[k] = val
	}
	return out
}

func (v *AppView) MergeConfig(patch map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, val := range patch {
		v.config[k] = val
	}
}

// Runner — реестр исполнителей команд устройства.
type Runner struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

func NewRunner() *Runner {
	return &Runner{handlers: map[string]func(context.Context, json.RawMessage) (json.RawMessage, error){}}
}

func (r *Runner) Register(name string, fn func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *Runner) Run(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	fn, ok := r.handlers[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	return fn(ctx, payload)
}

// RegisterBuiltins вешает базовые команды устройства на view.
func RegisterBuiltins(r *Runner, view *AppView) {
	r.Register("ping", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"pong":true}`), nil
	})
	r.Register("get_config", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(view.Config())
	})
	r.Register("update_config", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var patch map[string]any
		if err := json.Unmarshal(payload, &patch); err != nil {
			return nil, fmt.Errorf("bad config payload: %w", err)
		}
		view.MergeConfig(patch)
		logs.Logger.Infof("config updated: %d keys", len(patch))
		return json.Marshal(view.Config())
	})
	r.Register("get_status", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(view.Snapshot())
	})
}
