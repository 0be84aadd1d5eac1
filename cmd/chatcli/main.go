// Command chatcli is a terminal client for the chat websocket. Lines are sent
// as messages to the open conversation; lines starting with a slash are
// commands:
//
//	/open <buyer> <seller> [product]
//	/list
//	/load <conversation>
//	/close
//	/retry
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	chatws "github.com/ecovira/marketchat/internal/websocket"
)

const writeWait = 10 * time.Second

func main() {
	endpoint := flag.String("url", "ws://localhost:8080/api/v1/ws", "websocket endpoint")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	if *token == "" {
		log.Fatal().Msg("a token is required (-token or CHAT_TOKEN)")
	}
	target, err := url.Parse(*endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("parse url")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+*token)
	conn, resp, err := websocket.DefaultDialer.Dial(target.String(), header)
	if err != nil {
		if resp != nil {
			log.Fatal().Err(err).Int("status", resp.StatusCode).Msg("dial")
		}
		log.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()

	go readFrames(conn)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		req, err := parseLine(line)
		if err != nil {
			log.Warn().Err(err).Msg("ignored")
			continue
		}
		req.RequestID = uuid.NewString()[:8]
		payload, err := json.Marshal(req)
		if err != nil {
			log.Error().Err(err).Msg("encode request")
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Fatal().Err(err).Msg("write")
		}
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(writeWait),
	)
}

func parseLine(line string) (chatws.Request, error) {
	if !strings.HasPrefix(line, "/") {
		return chatws.Request{Type: chatws.CommandSendMessage, Body: line}, nil
	}

	fields := strings.Fields(line)
	args, err := parseIDs(fields[1:])
	if err != nil {
		return chatws.Request{}, err
	}

	switch fields[0] {
	case "/open":
		if len(args) < 2 {
			return chatws.Request{}, fmt.Errorf("usage: /open <buyer> <seller> [product]")
		}
		req := chatws.Request{Type: chatws.CommandStartConversation, BuyerID: args[0], SellerID: args[1]}
		if len(args) > 2 {
			req.ProductID = &args[2]
		}
		return req, nil
	case "/list":
		return chatws.Request{Type: chatws.CommandLoadConversations}, nil
	case "/load":
		if len(args) != 1 {
			return chatws.Request{}, fmt.Errorf("usage: /load <conversation>")
		}
		return chatws.Request{Type: chatws.CommandLoadMessages, ConversationID: &args[0]}, nil
	case "/close":
		return chatws.Request{Type: chatws.CommandSetActiveConversation}, nil
	case "/retry":
		return chatws.Request{Type: chatws.CommandRetryPendingReads}, nil
	default:
		return chatws.Request{}, fmt.Errorf("unknown command %s", fields[0])
	}
}

func parseIDs(fields []string) ([]int64, error) {
	ids := make([]int64, 0, len(fields))
	for _, field := range fields {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", field)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func readFrames(conn *websocket.Conn) {
	seen := map[int64]bool{}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				os.Exit(0)
			}
			log.Fatal().Err(err).Msg("connection closed")
		}

		var frame chatws.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Warn().Err(err).Msg("undecodable frame")
			continue
		}

		switch frame.Type {
		case chatws.FrameError:
			event := log.Error().Str("code", frame.Code).Bool("retryable", frame.Retryable)
			if frame.Draft != "" {
				event = event.Str("draft", frame.Draft)
			}
			event.Msg(frame.Error)
		case chatws.FrameResult:
			log.Info().Str("command", frame.Command).Interface("data", frame.Data).Msg("ok")
		case chatws.FrameState:
			if frame.State == nil {
				continue
			}
			if frame.State.Error != "" {
				log.Warn().Msg(frame.State.Error)
			}
			if frame.State.ChannelError != "" {
				log.Warn().Str("code", chatws.CodeChannelUnavailable).Msg(frame.State.ChannelError)
			}
			for _, msg := range frame.State.Messages {
				if seen[msg.ID] {
					continue
				}
				seen[msg.ID] = true
				log.Info().
					Int64("from", msg.SenderID).
					Bool("read", msg.IsRead).
					Time("at", msg.CreatedAt).
					Msg(msg.Body)
			}
		}
	}
}
