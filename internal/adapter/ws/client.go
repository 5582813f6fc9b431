package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/solotto/solotto/internal/adapter/ledger"
	"github.com/solotto/solotto/internal/adapter/storage"
	"github.com/solotto/solotto/internal/core/domain"
	"github.com/solotto/solotto/internal/core/lottery"
)

// Server terminates live connections and speaks the socket protocol:
// subscribe_pool / subscribe_draw / purchase_tickets / wallet_connected in,
// pool_update / purchase_confirmation / purchase_error / draw events out.
type Server struct {
	Hub          *Hub
	Orchestrator *lottery.Orchestrator
	Records      *storage.RecordRepository
	Aggregates   *storage.AggregateRepository

	PurchaseTimeout time.Duration
}

// Upgrade guards the websocket route. A handshake may carry a wallet
// address; if present it must validate or the connection is rejected.
func (s *Server) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	wallet := c.Query("wallet")
	if wallet != "" && !ledger.IsValidAddress(wallet) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid wallet address"})
	}
	c.Locals("wallet", wallet)
	return c.Next()
}

type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler runs one connection: a writer goroutine pumps the subscriber's
// event stream while the read loop dispatches inbound events.
func (s *Server) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		wallet, _ := conn.Locals("wallet").(string)
		sub := s.Hub.Register(wallet)
		defer s.Hub.Unregister(sub)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range sub.Events() {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}()

		slog.Info("live client connected", "wallet", wallet)
		s.sendLotteryState(sub)

		for {
			var msg inboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				break
			}
			s.dispatch(sub, msg)
		}

		// Disconnect releases rooms and session state only; purchases the
		// orchestrator already accepted keep running.
		s.Hub.Unregister(sub)
		<-done
		slog.Info("live client disconnected", "wallet", sub.Wallet)
	})
}

func (s *Server) dispatch(sub *Subscriber, msg inboundMessage) {
	switch msg.Event {
	case "subscribe_pool":
		var data struct {
			PoolID string `json:"poolId"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.PoolID == "" {
			s.sendError(sub, "subscribe_pool requires a poolId")
			return
		}
		s.subscribePool(sub, data.PoolID)

	case "subscribe_draw":
		var data struct {
			DrawID string `json:"drawId"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.DrawID == "" {
			s.sendError(sub, "subscribe_draw requires a drawId")
			return
		}
		s.subscribeDraw(sub, data.DrawID)

	case "purchase_tickets":
		var data struct {
			PoolID   string `json:"poolId"`
			Quantity int    `json:"quantity"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			s.sendError(sub, "malformed purchase request")
			return
		}
		s.purchase(sub, data.PoolID, data.Quantity)

	case "wallet_connected":
		var data struct {
			WalletAddress string `json:"walletAddress"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			s.sendError(sub, "malformed wallet message")
			return
		}
		s.attachWallet(sub, data.WalletAddress)

	default:
		s.sendError(sub, "unknown event: "+msg.Event)
	}
}

func (s *Server) sendError(sub *Subscriber, message string) {
	s.Hub.Send(sub, Event{Event: "error", Payload: fiber.Map{"message": message}})
}

// sendLotteryState pushes the initial snapshot so a new viewer does not wait
// for the next change.
func (s *Server) sendLotteryState(sub *Subscriber) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pools, err := s.Records.GetActivePools(ctx)
	if err != nil {
		slog.Warn("lottery state snapshot failed", "error", err)
		return
	}
	draws, err := s.Aggregates.RecentDraws(ctx, 10)
	if err != nil {
		slog.Warn("lottery state snapshot failed", "error", err)
		return
	}
	s.Hub.Send(sub, Event{Event: "lottery_state", Payload: fiber.Map{
		"activePools": pools,
		"recentDraws": draws,
		"timestamp":   time.Now(),
	}})
}

func (s *Server) subscribePool(sub *Subscriber, poolID string) {
	s.Hub.Join(sub, PoolTopic(poolID))

	// Immediate snapshot: the current aggregate, not the next delta.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := s.Aggregates.GetStats(ctx, poolID)
	if err != nil {
		s.sendError(sub, domain.ClientMessage(err))
		return
	}
	s.Hub.Send(sub, Event{Event: "pool_update", Payload: fiber.Map{"poolId": poolID, "stats": stats}})
}

func (s *Server) subscribeDraw(sub *Subscriber, drawID string) {
	s.Hub.Join(sub, DrawTopic(drawID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if draw, err := s.Aggregates.GetDraw(ctx, drawID); err == nil {
		s.Hub.Send(sub, Event{Event: "draw_state", Payload: draw})
	}
}

func (s *Server) purchase(sub *Subscriber, poolID string, quantity int) {
	if sub.Wallet == "" {
		s.Hub.Send(sub, Event{Event: "purchase_error", Payload: fiber.Map{"message": "wallet not connected"}})
		return
	}
	id, err := uuid.Parse(poolID)
	if err != nil {
		s.Hub.Send(sub, Event{Event: "purchase_error", Payload: fiber.Map{"message": "invalid pool id"}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.PurchaseTimeout)
	defer cancel()

	result, err := s.Orchestrator.PurchaseTickets(ctx, id, sub.Wallet, quantity)
	if err != nil {
		// Failures go to the requester only, never the room.
		s.Hub.Send(sub, Event{Event: "purchase_error", Payload: fiber.Map{"message": domain.ClientMessage(err)}})
		return
	}

	// Confirmation to the requester; the room already received the
	// pool_update broadcast from the orchestrator in commit order.
	s.Hub.Send(sub, Event{Event: "purchase_confirmation", Payload: fiber.Map{
		"success":       true,
		"ticketNumbers": result.TicketNumbers,
		"totalCost":     result.TotalCost,
		"signature":     result.Signature,
	}})
}

func (s *Server) attachWallet(sub *Subscriber, wallet string) {
	if !ledger.IsValidAddress(wallet) {
		s.sendError(sub, "invalid wallet address")
		return
	}
	s.Hub.SetWallet(sub, wallet)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tickets, err := s.Records.GetUserTickets(ctx, wallet)
	if err != nil {
		s.sendError(sub, domain.ClientMessage(err))
		return
	}
	payload := fiber.Map{"tickets": tickets}
	// A wallet that never purchased has no user row yet; that is not an error.
	if user, err := s.Records.GetUserByWallet(ctx, wallet); err == nil {
		payload["user"] = user
	}
	s.Hub.Send(sub, Event{Event: "wallet_state", Payload: payload})
}
