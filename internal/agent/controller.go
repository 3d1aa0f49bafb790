package agent

import (
	"context"
	"errors"
	"runtime"
	"time"

	"halo/internal/logs"
)

// Состояния машины провижининга.
type ProvisionState int

const (
	StateNotProvisioned ProvisionState = iota
	StateAwaitingApproval
	StateAuthenticated
	StateDisabled // терминальное, до внешнего сброса
)

func (s ProvisionState) String() string {
	switch s {
	case StateNotProvisioned:
		return "not_provisioned"
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateAuthenticated:
		return "authenticated"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Пороги каденса. Числа — часть контракта, не крутить без повода.
const (
	staleAfter      = 120 * time.Second
	heartbeatEvery  = 30 * time.Second
	fullSyncEvery   = 5 * time.Minute
	stalePollEvery  = 15 * time.Second
	absentPollEvery = 10 * time.Second

	provisionRetry = 60 * time.Second
	approvalRetry  = 30 * time.Minute

	minCommandIDLen = 8
	pollBatchMax    = 10

	// Порог ресурсов перед TLS-рукопожатием.
	minFreeMemory  = 65000
	minContigBlock = 40000
)

// Классы здоровья realtime-канала.
type channelHealth int

const (
	healthWorking channelHealth = iota
	healthStale
	healthAbsent
)

// Controller — кооперативный цикл синхронизации: один sync-класс
// операции на тик, остальное ждёт следующего.
type Controller struct {
	backend  *Backend
	creds    *CredStore
	view     *AppView
	runner   CommandRunner
	firmware string

	state         ProvisionState
	lastHeartbeat time.Time
	lastFullSync  time.Time
	lastProvision time.Time
	started       time.Time

	// Подменяются в тестах.
	now          func() time.Time
	freeMemory   func() (free, largest uint64)
	restart      func()
	realtimeSeen func() time.Time // zero = никогда
}

func NewController(backend *Backend, creds *CredStore, view *AppView, runner CommandRunner, rt *Realtime, firmware string) *Controller {
	c := &Controller{
		backend:    backend,
		creds:      creds,
		view:       view,
		runner:     runner,
		firmware:   firmware,
		now:        time.Now,
		freeMemory: hostFreeMemory,
		restart:    func() { logs.Logger.Fatal("credentials wiped, restart required") },
	}
	if rt != nil {
		c.realtimeSeen = rt.LastSeen
	}
	return c
}

func hostFreeMemory() (uint64, uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	free := m.HeapIdle - m.HeapReleased + (m.HeapSys - m.HeapInuse)
	return free, free
}

// Run крутит тики до отмены контекста.
func (c *Controller) Run(ctx context.Context) {
	c.started = c.now()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Tick(ctx)
		}
	}
}

// Tick выполняет не более одной sync-класс операции.
func (c *Controller) Tick(ctx context.Context) {
	switch c.state {
	case StateDisabled:
		return
	case StateAuthenticated:
		c.syncTick(ctx)
	default:
		c.provisionTick(ctx)
	}
}

// ForceSync обнуляет таймеры каденса: следующий тик синхронизирует сразу.
func (c *Controller) ForceSync() {
	c.lastHeartbeat = time.Time{}
	c.lastFullSync = time.Time{}
}

func (c *Controller) State() ProvisionState { return c.state }

/* ───── провижининг ───── */

func (c *Controller) retryInterval() time.Duration {
	if c.state == StateAwaitingApproval {
		return approvalRetry
	}
	return provisionRetry
}

func (c *Controller) provisionTick(ctx context.Context) {
	now := c.now()
	if !c.lastProvision.IsZero() && now.Sub(c.lastProvision) < c.retryInterval() {
		return
	}
	// Предусловия: URL бэкенда, секрет, системные часы.
	if c.backend.baseURL == "" || c.creds.Serial() == "" || now.Year() < 2024 {
		return
	}
	if !c.resourcesSafe() {
		return
	}
	c.lastProvision = now

	res, err := c.backend.Provision(ctx, c.firmware)
	if err != nil {
		c.onProvisionError(err)
		return
	}
	if err := c.creds.SetProvisioned(res.DeviceID, res.PairingCode); err != nil {
		logs.Logger.Errorf("provision: persist credentials: %v", err)
		return
	}

	auth, err := c.backend.Authenticate(ctx)
	if err != nil {
		c.onProvisionError(err)
		return
	}
	c.state = StateAuthenticated
	logs.Logger.WithField("device_id", auth.DeviceID).Info("device authenticated")

	// Сразу один state-пост, чтобы флаг «устройство на связи»
	// у пира обновился без ожидания каденса.
	if st, err := c.backend.PostState(ctx, c.telemetry()); err == nil {
		c.applyState(st)
	}
	c.ForceSync()
}

func (c *Controller) onProvisionError(err error) {
	switch {
	case errors.Is(err, ErrAwaitingApproval):
		if c.state != StateAwaitingApproval {
			logs.Logger.Info("provisioning: awaiting approval, backing off")
		}
		c.state = StateAwaitingApproval
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrBlacklisted):
		logs.Logger.Warn("provisioning: device disabled, stopping attempts")
		c.state = StateDisabled
	case errors.Is(err, ErrDeleted):
		logs.Logger.Warn("provisioning: device deleted, wiping credentials")
		if werr := c.creds.Wipe(); werr != nil {
			logs.Logger.Errorf("wipe credentials: %v", werr)
		}
		c.restart()
	default:
		logs.Logger.Warnf("provisioning failed: %v", err)
	}
}

/* ───── синхронизация ───── */

func (c *Controller) health() channelHealth {
	if c.realtimeSeen == nil {
		return healthAbsent
	}
	seen := c.realtimeSeen()
	if seen.IsZero() {
		return healthAbsent
	}
	if c.now().Sub(seen) > staleAfter {
		return healthStale
	}
	return healthWorking
}

// resourcesSafe — гейт перед любым TLS-вызовом. При нехватке памяти
// тик пропускается целиком, без частичных сетевых вызовов.
func (c *Controller) resourcesSafe() bool {
	free, largest := c.freeMemory()
	return free >= minFreeMemory && largest >= minContigBlock
}

func (c *Controller) syncTick(ctx context.Context) {
	now := c.now()
	h := c.health()

	var due bool
	var full bool
	var poll bool
	switch h {
	case healthWorking:
		if now.Sub(c.lastFullSync) >= fullSyncEvery {
			due, full = true, true
		} else if now.Sub(c.lastHeartbeat) >= heartbeatEvery {
			due = true
		}
	case healthStale:
		due = now.Sub(c.lastHeartbeat) >= stalePollEvery
		poll = due
	case healthAbsent:
		due = now.Sub(c.lastHeartbeat) >= absentPollEvery
		poll = due
	}
	if !due {
		return
	}
	if !c.resourcesSafe() {
		// Таймеры не трогаем: попытка повторится следующим тиком.
		return
	}
	if !c.backend.TokenValid() {
		// Токен на грани истечения: обновляем заранее, не дожидаясь 401.
		// Таймеры не сдвинуты, синхронизация уйдёт следующим тиком.
		c.reauthenticate(ctx)
		return
	}

	if err := c.performSync(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.backend.DropToken()
			c.reauthenticate(ctx)
			return
		}
		logs.Logger.Warnf("sync: %v", err)
		return
	}
	c.lastHeartbeat = now
	if full {
		c.lastFullSync = now
		c.checkFirmware(ctx)
	}
	if poll {
		c.pollCommands(ctx)
	}
}

// reauthenticate — после 401 пробуем обновить токен; approval-ошибки
// переводят машину в соответствующее состояние.
func (c *Controller) reauthenticate(ctx context.Context) {
	if _, err := c.backend.Authenticate(ctx); err != nil {
		c.onProvisionError(err)
	}
}

func (c *Controller) telemetry() Telemetry {
	free, _ := c.freeMemory()
	return Telemetry{
		FreeHeap:        int64(free),
		Uptime:          int64(c.now().Sub(c.started).Seconds()),
		FirmwareVersion: c.firmware,
	}
}

// performSync — state-пост плюс применение авторитетного состояния.
func (c *Controller) performSync(ctx context.Context) error {
	st, err := c.backend.PostState(ctx, c.telemetry())
	if err != nil {
		return err
	}
	c.applyState(st)
	return nil
}

// applyState применяет ответ целиком только при явном app_connected=true;
// иначе локальный флаг подключения сбрасывается.
func (c *Controller) applyState(st *RemoteState) {
	if st == nil {
		return
	}
	if st.AppConnected {
		c.view.Apply(*st)
	} else {
		c.view.SetAppConnected(false)
	}
}

func (c *Controller) pollCommands(ctx context.Context) {
	cmds, err := c.backend.PollCommands(ctx)
	if err != nil {
		logs.Logger.Warnf("poll commands: %v", err)
		return
	}
	if len(cmds) > pollBatchMax {
		cmds = cmds[:pollBatchMax]
	}
	for _, cmd := range cmds {
		if len(cmd.ID) < minCommandIDLen || cmd.Command == "" {
			logs.Logger.Warnf("dropping malformed command id=%q name=%q", cmd.ID, cmd.Command)
			continue
		}
		resp, runErr := c.runner.Run(ctx, cmd.Command, cmd.Payload)
		var ackErr error
		if runErr != nil {
			ackErr = c.backend.AckCommand(ctx, cmd.ID, false, nil, runErr.Error())
		} else {
			ackErr = c.backend.AckCommand(ctx, cmd.ID, true, resp, "")
		}
		if ackErr != nil {
			logs.Logger.Warnf("ack command %s: %v", cmd.ID, ackErr)
		}
	}
}

func (c *Controller) checkFirmware(ctx context.Context) {
	info, err := c.backend.CheckFirmware(ctx, c.firmware)
	if err != nil {
		logs.Logger.Debugf("firmware check: %v", err)
		return
	}
	if info != nil && info.Version != "" && info.Version != c.firmware {
		logs.Logger.WithField("version", info.Version).Info("firmware update available")
	}
}
