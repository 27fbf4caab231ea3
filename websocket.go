package tmi

import (
	"context"
	"time"

	gotils_strconv "github.com/savsgio/gotils/strconv"
	"github.com/streamlinked/tmi/irc"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
)

// TwitchChatURL is the production chat websocket endpoint.
const TwitchChatURL = "wss://irc-ws.chat.twitch.tv:443"

const websocketReadLimit = 1 << 20

var capabilityRequests = []string{
	"CAP REQ :twitch.tv/membership",
	"CAP REQ :twitch.tv/tags",
	"CAP REQ :twitch.tv/commands",
}

// startConnectionLoop dials, authenticates and reads until the shard is
// stopped. A lost connection is redialed with the channel set intact.
func (s *Shard) startConnectionLoop(ctx context.Context) error {
	for {
		conn, err := s.connect(ctx)
		if err != nil {
			return err
		}

		err = s.listen(ctx, conn)

		if s.closing.Load() || ctx.Err() != nil {
			s.dispatchDisconnect(nil)

			return nil
		}

		s.dispatchDisconnect(err)

		s.logger.Warn().Err(err).Msg("Connection lost, reconnecting")
		tmiReconnectCount.WithLabelValues(s.ID).Inc()
	}
}

// connect establishes a session: dial under the reconnect backoff,
// authenticate, request capabilities and schedule the channel rejoin.
func (s *Shard) connect(ctx context.Context) (*websocket.Conn, error) {
	s.ready.Clear()

	// A fresh session has joined nothing yet.
	s.channelsMu.Lock()
	s.joined = make(map[string]struct{})
	s.channelsMu.Unlock()

	// Credentials are resolved before dialing so a dead token does not
	// burn dial attempts.
	var pass string

	if s.anonymous {
		s.nick = anonymousNick()
	} else {
		accessToken, user, err := s.client.Broker.IRCLogin(ctx, s.ID)
		if err != nil {
			return nil, err
		}

		pass = "oauth:" + accessToken
		s.nick = user.Name
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("nick", s.nick).Msg("Connected to chat")

	// The PASS line carries the token and is never logged.
	if pass != "" {
		if err := s.write(ctx, conn, "PASS "+pass); err != nil {
			return nil, err
		}
	}

	if err := s.write(ctx, conn, "NICK "+s.nick); err != nil {
		return nil, err
	}

	for _, capability := range capabilityRequests {
		if err := s.write(ctx, conn, capability); err != nil {
			return nil, err
		}
	}

	s.wsMu.Lock()
	previous := s.wsConn
	s.wsConn = conn
	s.wsMu.Unlock()

	if previous != nil {
		_ = previous.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	s.lastEvent.Store(time.Now())

	if s.client.Events.Connect != nil {
		s.client.dispatcher.Submit(func() {
			s.client.Events.Connect(s.ID)
		})
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.rejoinChannels(ctx, conn)
	}()

	return conn, nil
}

func (s *Shard) dial(ctx context.Context) (*websocket.Conn, error) {
	url := replaceIfEmpty(s.client.ChatURL, TwitchChatURL)

	for {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err == nil {
			conn.SetReadLimit(websocketReadLimit)

			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if s.backoff.IsEmpty() {
			return nil, xerrors.Errorf("failed to dial %s: %w", url, ErrConnectExhausted)
		}

		delay := s.backoff.Delay()

		s.logger.Warn().Err(err).Dur("delay", delay).Str("url", url).Msg("Failed to dial chat endpoint")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// rejoinChannels replays the desired channel set once the session
// authenticates. It gives up when the connection dies first.
func (s *Shard) rejoinChannels(ctx context.Context, conn *websocket.Conn) {
	if err := s.ready.Wait(ctx); err != nil {
		return
	}

	if s.connection() != conn {
		return
	}

	if err := s.sendJoins(ctx, s.Channels()); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Failed to rejoin channels")
		s.dispatchError(err)
	}
}

// listen reads payloads until the connection dies or the shard stops.
func (s *Shard) listen(ctx context.Context, conn *websocket.Conn) error {
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.heartbeat(heartbeatCtx, conn)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		s.lastEvent.Store(time.Now())

		for _, payload := range irc.ParseLines(gotils_strconv.B2S(data)) {
			s.handlePayload(ctx, payload)
		}
	}
}

// heartbeat sends periodic PINGs and closes a connection that has gone
// silent for two intervals so the read loop can reconnect.
func (s *Shard) heartbeat(ctx context.Context, conn *websocket.Conn) {
	interval := s.client.Configuration.IRC.HeartbeatInterval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Since(s.lastEvent.Load()) > 2*interval {
			s.logger.Warn().Msg("Connection went silent, forcing reconnect")
			_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")

			return
		}

		if err := s.write(ctx, conn, "PING :keepalive"); err != nil {
			return
		}
	}
}

func (s *Shard) handlePayload(ctx context.Context, payload *irc.Payload) {
	tmiEventCount.WithLabelValues(s.ID, payloadLabel(payload)).Inc()

	if s.client.Events.Raw != nil {
		s.client.dispatcher.Submit(func() {
			s.client.Events.Raw(s.ID, payload)
		})
	}

	if payload.Code == 1 {
		s.logger.Info().Msg("Authenticated, shard ready")

		s.backoff.Reset()
		s.ready.Set()

		if s.client.Events.Ready != nil {
			s.client.dispatcher.Submit(func() {
				s.client.Events.Ready(s.ID)
			})
		}

		return
	}

	switch payload.Action {
	case "PING":
		// Answered inline, the server disconnects slow responders.
		if err := s.writeMessage(ctx, "PONG :tmi.twitch.tv"); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to answer server ping")
		}
	case "PRIVMSG":
		if s.client.Events.Message != nil {
			message := newMessage(s, payload)

			s.client.dispatcher.Submit(func() {
				s.client.Events.Message(message)
			})
		}
	case "JOIN":
		if s.client.Events.Join != nil {
			channel, user := payload.Channel, payload.User

			s.client.dispatcher.Submit(func() {
				s.client.Events.Join(s.ID, channel, user)
			})
		}
	case "PART":
		if s.client.Events.Part != nil {
			channel, user := payload.Channel, payload.User

			s.client.dispatcher.Submit(func() {
				s.client.Events.Part(s.ID, channel, user)
			})
		}
	case "RECONNECT":
		s.logger.Info().Msg("Server requested reconnect")

		if s.client.Events.Reconnect != nil {
			s.client.dispatcher.Submit(func() {
				s.client.Events.Reconnect(s.ID)
			})
		}

		s.closeConnection(websocket.StatusServiceRestart, "server requested reconnect")
	case "USERSTATE", "ROOMSTATE", "NOTICE", "CAP", "WHISPER", "USERNOTICE", "CLEARCHAT", "CLEARMSG":
		if s.client.Events.Notice != nil {
			s.client.dispatcher.Submit(func() {
				s.client.Events.Notice(s.ID, payload)
			})
		}
	}
}

func payloadLabel(payload *irc.Payload) string {
	if payload.Action != "" {
		return payload.Action
	}

	return "numeric"
}

// connection returns the current websocket connection, which may be nil.
func (s *Shard) connection() *websocket.Conn {
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()

	return s.wsConn
}

// writeMessage sends a line on the current connection.
func (s *Shard) writeMessage(ctx context.Context, data string) error {
	conn := s.connection()
	if conn == nil {
		return ErrWebsocketClosed
	}

	return s.write(ctx, conn, data)
}

func (s *Shard) write(ctx context.Context, conn *websocket.Conn, data string) error {
	if err := conn.Write(ctx, websocket.MessageText, gotils_strconv.S2B(data)); err != nil {
		return xerrors.Errorf("failed to write message: %w", err)
	}

	return nil
}

func (s *Shard) closeConnection(code websocket.StatusCode, reason string) {
	s.wsMu.Lock()
	conn := s.wsConn
	s.wsConn = nil
	s.wsMu.Unlock()

	if conn != nil {
		_ = conn.Close(code, reason)
	}
}
