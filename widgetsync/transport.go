package widgetsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// HandleFunc is the transport-in entry point, normally CommRouter.HandleMessage.
type HandleFunc = func(envelope *Envelope)

type KernelTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int

	// static bearer token for the handshake, if the kernel gateway needs one
	AuthToken string
	// shared secret to mint a short-lived HS256 token per connection
	// attempt. Takes precedence over AuthToken when set.
	AuthSecret []byte
	TokenTtl   time.Duration
}

func DefaultKernelTransportSettings() *KernelTransportSettings {
	return &KernelTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
		TokenTtl:           60 * time.Second,
	}
}

// KernelTransport maintains a reconnecting websocket to the kernel, decodes
// inbound frames into envelopes for the handler, and serializes outbound
// envelopes from `Send`. Messages are handed to the handler in the order the
// socket delivers them.
type KernelTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	kernelUrl string
	handler   HandleFunc

	settings *KernelTransportSettings

	stateLock sync.Mutex
	send      chan []byte
}

func NewKernelTransportWithDefaults(ctx context.Context, kernelUrl string, handler HandleFunc) *KernelTransport {
	return NewKernelTransport(ctx, kernelUrl, handler, DefaultKernelTransportSettings())
}

func NewKernelTransport(ctx context.Context, kernelUrl string, handler HandleFunc, settings *KernelTransportSettings) *KernelTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &KernelTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		kernelUrl: kernelUrl,
		handler:   handler,
		settings:  settings,
		send:      make(chan []byte, settings.SendBufferSize),
	}
	go transport.run()
	return transport
}

// SetHandler wires the inbound entry point. Must be called before the first
// frame arrives when the handler could not be passed at construction.
func (self *KernelTransport) SetHandler(handler HandleFunc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handler = handler
}

func (self *KernelTransport) getHandler() HandleFunc {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.handler
}

// Send encodes and queues one envelope. This is the router's `SendFunc`.
func (self *KernelTransport) Send(envelope *Envelope) error {
	payload, isBinary, err := EncodeWireMessage(envelope)
	if err != nil {
		return err
	}
	// frame the message type in band so the write pump does not re-inspect
	frame := make([]byte, 0, 1+len(payload))
	if isBinary {
		frame = append(frame, 1)
	} else {
		frame = append(frame, 0)
	}
	frame = append(frame, payload...)
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("transport closed")
	case self.send <- frame:
		return nil
	}
}

func (self *KernelTransport) Close() {
	self.cancel()
}

func (self *KernelTransport) run() {
	defer self.cancel()

	for {
		ws, err := self.connect()
		if err != nil {
			glog.Infof("[t]connect %s error = %s\n", self.kernelUrl, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}
		self.pump(ws)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *KernelTransport) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if token, err := self.bearerToken(); err != nil {
		return nil, err
	} else if token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	ws, _, err := dialer.DialContext(self.ctx, self.kernelUrl, header)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[t]connected %s\n", self.kernelUrl)
	return ws, nil
}

func (self *KernelTransport) bearerToken() (string, error) {
	if len(self.settings.AuthSecret) == 0 {
		return self.settings.AuthToken, nil
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "widgetsync",
		"iat": now.Unix(),
		"exp": now.Add(self.settings.TokenTtl).Unix(),
	})
	return token.SignedString(self.settings.AuthSecret)
}

func (self *KernelTransport) pump(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// write
	go func() {
		defer handleCancel()
		pingTicker := time.NewTicker(self.settings.PingTimeout)
		defer pingTicker.Stop()
		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-self.send:
				messageType := websocket.TextMessage
				if frame[0] == 1 {
					messageType = websocket.BinaryMessage
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(messageType, frame[1:]); err != nil {
					glog.Infof("[t]write error = %s\n", err)
					return
				}
			case <-pingTicker.C:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					glog.Infof("[t]ping error = %s\n", err)
					return
				}
			}
		}
	}()

	// read
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[t]read error = %s\n", err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			envelope, err := DecodeWireMessage(payload, messageType == websocket.BinaryMessage)
			if err != nil {
				// a malformed frame must not take down the session
				glog.Infof("[t]decode error = %s\n", err)
				continue
			}
			if handler := self.getHandler(); handler != nil {
				handler(envelope)
			}
		}
	}
}
