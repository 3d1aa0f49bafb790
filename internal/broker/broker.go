package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"halo/internal/devauth"
	"halo/internal/logs"
	"halo/internal/models"
	"halo/internal/registry"
)

// room — эфемерная пара display/app на один код сопряжения.
type room struct {
	code         string
	display      *client
	app          *client
	createdAt    time.Time
	lastActivity time.Time
}

func (r *room) slot(role string) **client {
	if role == RoleDisplay {
		return &r.display
	}
	return &r.app
}

func (r *room) peerOf(role string) *client {
	if role == RoleDisplay {
		return r.app
	}
	return r.display
}

type inboundEvent struct {
	c   *client
	raw []byte
}

// Broker — комнатный релей. Карты clients/rooms принадлежат единственному
// циклу Run: любая мутация происходит только из него, блокировки не нужны.
// Снаружи читается только presence-снапшот (под своим мьютексом).
type Broker struct {
	reg *registry.Registry

	register   chan *client
	unregister chan *client
	inbound    chan inboundEvent
	broadcasts chan []byte

	clients map[*client]struct{}
	rooms   map[string]*room

	presenceMu sync.RWMutex
	presence   map[string]models.AppState // код → последний известный app-статус

	upgrader websocket.Upgrader
}

func New(reg *registry.Registry) *Broker {
	return &Broker{
		reg:        reg,
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inboundEvent, 256),
		broadcasts: make(chan []byte, 64),
		clients:    make(map[*client]struct{}),
		rooms:      make(map[string]*room),
		presence:   make(map[string]models.AppState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Сопряжение защищено кодом комнаты, а не origin'ом.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS апгрейдит HTTP-запрос и запускает насосы подключения.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Logger.Warnf("broker: upgrade failed: %v", err)
		return
	}
	c := newClient(b, conn, r.RemoteAddr)
	b.register <- c
	go c.writePump()
	go c.readPump()
}

// Run — единственный цикл, мутирующий состояние брокера.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range b.clients {
				c.shutdown()
			}
			return
		case c := <-b.register:
			b.clients[c] = struct{}{}
			c.trySend(connectionMsg(len(b.clients)))
		case c := <-b.unregister:
			b.handleLeave(c)
		case ev := <-b.inbound:
			b.dispatch(ev.c, ev.raw)
		case data := <-b.broadcasts:
			for c := range b.clients {
				c.trySend(data)
			}
		}
	}
}

// Broadcast — административный fan-out всем подключениям, вне контракта комнат.
func (b *Broker) Broadcast(data []byte) {
	select {
	case b.broadcasts <- data:
	default:
		logs.Logger.Warn("broker: broadcast queue full, dropping")
	}
}

// AppState отдаёт presence-снапшот комнаты для poll-пути бекенда.
func (b *Broker) AppState(code string) (models.AppState, bool) {
	b.presenceMu.RLock()
	defer b.presenceMu.RUnlock()
	st, ok := b.presence[devauth.NormalizePairCode(code)]
	return st, ok
}

func (b *Broker) setPresence(code string, mut func(*models.AppState)) {
	b.presenceMu.Lock()
	st := b.presence[code]
	mut(&st)
	b.presence[code] = st
	b.presenceMu.Unlock()
}

// dispatch обрабатывает одно входящее сообщение до конца.
// Кривой payload логируется и отбрасывается, соединение живёт дальше.
func (b *Broker) dispatch(c *client, raw []byte) {
	in, err := decodeInbound(raw)
	if err != nil {
		logs.Logger.Warnf("broker: dropping message from %s: %v", c.remoteAddr, err)
		return
	}
	switch in.Type {
	case TypeJoin:
		b.handleJoin(c, in.Join)
	case TypePing:
		c.trySend(pongMsg())
	case TypePong:
		// keepalive, ничего не делаем
	case TypeStatus:
		b.relay(c, in.Type, in)
	case TypeCommand:
		b.relay(c, in.Type, in)
	case TypeCommandResponse, TypeConfig, TypeGetConfig, TypeGetStatus:
		b.relay(c, in.Type, in)
	}
}

func (b *Broker) handleJoin(c *client, m *JoinMessage) {
	code := devauth.NormalizePairCode(m.Code)
	if !devauth.ValidPairCode(code) {
		c.trySend(errorMsg("invalid pairing code"))
		return
	}
	role := m.ClientType
	if role != RoleDisplay && role != RoleApp {
		c.trySend(errorMsg("clientType must be display or app"))
		return
	}

	// Уже где-то сидит — снимаем со старого места.
	if c.room != nil {
		b.detach(c, false)
	}

	rm, ok := b.rooms[code]
	if !ok {
		rm = &room{code: code, createdAt: time.Now()}
		b.rooms[code] = rm
	}
	rm.lastActivity = time.Now()

	// Занятый слот: прежний обитатель уведомляется, но не закрывается —
	// он продолжит получать сообщения, пока сам не отключится.
	slot := rm.slot(role)
	if prev := *slot; prev != nil && prev != c {
		prev.trySend(errorMsg("another peer joined with this code"))
		prev.room = nil
	}
	*slot = c
	c.role = role
	c.room = rm

	if role == RoleDisplay && m.DeviceInfo != nil && b.reg != nil {
		b.reg.Upsert(registry.Record{
			DeviceID:        m.DeviceInfo.DeviceID,
			PairingCode:     code,
			Name:            m.DeviceInfo.Name,
			IPAddress:       m.DeviceInfo.IPAddress,
			FirmwareVersion: m.DeviceInfo.FirmwareVersion,
		})
	}
	if role == RoleApp {
		b.setPresence(code, func(st *models.AppState) { st.AppConnected = true })
	}

	c.trySend(joinedMsg(code, rm.display != nil, rm.app != nil))
	if peer := rm.peerOf(role); peer != nil {
		peer.trySend(peerEventMsg(TypePeerConnected, role))
	}
	logs.Logger.Infof("broker: %s joined room %s (display=%v app=%v)",
		role, code, rm.display != nil, rm.app != nil)
}

// relay пересылает сообщение противоположной роли с проверкой направления.
// Любая ошибка возвращается отправителю синхронно, молча ничего не теряем.
func (b *Broker) relay(c *client, typ string, in *Inbound) {
	if c.room == nil {
		c.trySend(errorMsg("join a room first"))
		return
	}
	switch typ {
	case TypeCommand:
		if c.role != RoleApp {
			c.trySend(errorMsg("only apps may issue commands"))
			return
		}
	case TypeCommandResponse, TypeConfig:
		if c.role != RoleDisplay {
			c.trySend(errorMsg("only displays may send " + typ))
			return
		}
	case TypeGetConfig, TypeGetStatus:
		if c.role != RoleApp {
			c.trySend(errorMsg("only apps may request " + typ))
			return
		}
	}

	c.room.lastActivity = time.Now()

	if typ == TypeStatus && c.role == RoleApp && in.Status != nil {
		st := in.Status
		b.setPresence(c.room.code, func(p *models.AppState) {
			p.AppConnected = true
			p.Status = st.Status
			p.DisplayName = st.DisplayName
			p.CameraOn = st.CameraOn
			p.MicMuted = st.MicMuted
			p.InCall = st.InCall
		})
	}

	peer := c.room.peerOf(c.role)
	if peer == nil || peer.closed.Load() {
		c.trySend(errorMsg("peer not connected"))
		return
	}
	peer.trySend(in.Passthrough)
}

// detach убирает клиента из его комнаты; notifyPeer управляет уведомлением пира.
func (b *Broker) detach(c *client, notifyPeer bool) {
	rm := c.room
	if rm == nil {
		return
	}
	if *rm.slot(c.role) == c {
		*rm.slot(c.role) = nil
		if c.role == RoleApp {
			b.setPresence(rm.code, func(st *models.AppState) { st.AppConnected = false })
		}
		if notifyPeer {
			if peer := rm.peerOf(c.role); peer != nil {
				peer.trySend(peerEventMsg(TypePeerDisconnected, c.role))
			}
		}
	}
	c.room = nil
	if rm.display == nil && rm.app == nil {
		delete(b.rooms, rm.code)
		logs.Logger.Debugf("broker: room %s deleted", rm.code)
	}
}

// handleLeave вызывается на закрытие сокета.
func (b *Broker) handleLeave(c *client) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	role := c.role
	b.detach(c, true)
	c.shutdown()
	if role != "" {
		logs.Logger.Infof("broker: %s disconnected (%s)", role, c.remoteAddr)
	}
}
