package app

import (
	"fmt"
	"log"
	"sort"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

// Message types emitted by the node itself.
const (
	MsgTaskCompleted  = "task_completed"
	MsgReviewFeedback = "review_feedback"
	MsgAlert          = "alert"
	MsgMergeConflict  = "merge_conflict"
	MsgResponse       = "response"
)

// Envelope is an outgoing message.
type Envelope struct {
	From        string
	To          string // agent id or domain.Broadcast
	Type        string
	Priority    domain.Priority // zero means NORMAL
	Payload     string
	RequiresAck bool
	ThreadID    string
}

// Reply is an optional response attached to an acknowledgment.
type Reply struct {
	Type     string          // defaults to "response"
	Priority domain.Priority // defaults to the original's priority
	Payload  string
}

// AckResult is the outcome of Acknowledge.
type AckResult struct {
	Message  *domain.Message
	Response *domain.Message // nil without a reply
}

// Bus is the durable priority message bus.
type Bus struct {
	svc    *CoordService
	logger *log.Logger
}

// NewBus returns a Bus over svc.
func NewBus(svc *CoordService, logger *log.Logger) *Bus {
	return &Bus{svc: svc, logger: logger}
}

// Send persists one message. Broadcasts are stored once and fan out at read time.
func (b *Bus) Send(env Envelope) (*domain.Message, error) {
	if env.From == "" {
		return nil, &domain.ValidationError{Field: "from", Reason: "required"}
	}
	if env.Type == "" {
		return nil, &domain.ValidationError{Field: "type", Reason: "required"}
	}
	if env.To == "" {
		return nil, &domain.ValidationError{Field: "to", Reason: "required"}
	}
	if env.Priority == 0 {
		env.Priority = domain.PriorityNormal
	}
	if !env.Priority.Valid() {
		return nil, &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %d", env.Priority)}
	}

	var out *domain.Message
	err := b.svc.Run(func(state *domain.CoordState) error {
		if env.To != domain.Broadcast {
			if _, ok := state.Agents[env.To]; !ok {
				return &domain.ValidationError{Field: "to", Reason: fmt.Sprintf("unknown recipient %q", env.To)}
			}
		}
		m := &domain.Message{
			ID:               b.svc.newID(),
			Timestamp:        b.svc.now(),
			Sender:           env.From,
			Recipient:        env.To,
			Type:             env.Type,
			Priority:         env.Priority,
			Payload:          env.Payload,
			RequiresApproval: env.RequiresAck,
			ThreadID:         env.ThreadID,
		}
		state.PutMessage(m, domain.OpPut)
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Printf("Bus: %s -> %s [%s/%s] %s", out.Sender, out.Recipient, out.Type, out.Priority, Truncate(out.Payload, 60))
	return out, nil
}

// Inbox returns the messages addressed to agentID (direct, plus broadcasts from
// other senders), ordered by priority desc, timestamp asc, id asc.
func (b *Bus) Inbox(agentID string, unreadOnly bool) ([]*domain.Message, error) {
	if agentID == "" {
		return nil, &domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	var out []*domain.Message
	err := b.svc.Query(func(state *domain.CoordState) error {
		for _, m := range state.Messages {
			if !m.AddressedTo(agentID) {
				continue
			}
			if unreadOnly && m.ReadFor(agentID) {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortInbox(out)
	return out, nil
}

// Acknowledge marks a message read for agentID. With a reply, a response
// message is created in the same transaction and linked from the original.
// Acknowledging twice is harmless; a second reply replaces the back-link.
func (b *Bus) Acknowledge(messageID, agentID string, reply *Reply) (*AckResult, error) {
	if messageID == "" {
		return nil, &domain.ValidationError{Field: "message_id", Reason: "required"}
	}
	if agentID == "" {
		return nil, &domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	res := &AckResult{}
	err := b.svc.Run(func(state *domain.CoordState) error {
		m, ok := state.Messages[messageID]
		if !ok {
			return domain.NotFound("message", messageID)
		}
		if !m.AddressedTo(agentID) {
			return &domain.ValidationError{Field: "agent_id", Reason: fmt.Sprintf("message %s is not addressed to %s", messageID, agentID)}
		}
		changed := false
		if m.IsBroadcast() {
			if !m.ReadFor(agentID) {
				m.ReadBy = append(m.ReadBy, agentID)
				sort.Strings(m.ReadBy)
				changed = true
			}
		} else if !m.Read {
			m.Read = true
			changed = true
		}

		if reply != nil {
			typ := reply.Type
			if typ == "" {
				typ = MsgResponse
			}
			prio := reply.Priority
			if prio == 0 {
				prio = m.Priority
			}
			if !prio.Valid() {
				return &domain.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %d", prio)}
			}
			thread := m.ThreadID
			if thread == "" {
				thread = m.ID
			}
			resp := &domain.Message{
				ID:        b.svc.newID(),
				Timestamp: b.svc.now(),
				Sender:    agentID,
				Recipient: m.Sender,
				Type:      typ,
				Priority:  prio,
				Payload:   reply.Payload,
				ThreadID:  thread,
			}
			state.PutMessage(resp, domain.OpPut)
			m.ResponseID = resp.ID
			changed = true
			res.Response = resp
		}
		if changed {
			state.PutMessage(m, domain.OpPut)
		}
		res.Message = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Thread returns the messages of a thread, the root included, in timestamp order.
func (b *Bus) Thread(threadID string) ([]*domain.Message, error) {
	if threadID == "" {
		return nil, &domain.ValidationError{Field: "thread_id", Reason: "required"}
	}
	var out []*domain.Message
	err := b.svc.Query(func(state *domain.CoordState) error {
		for _, m := range state.Messages {
			if m.ThreadID == threadID || m.ID == threadID {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// postSystem stores a node-generated message inside an ongoing Run. An empty
// id gets a fresh one.
func (s *CoordService) postSystem(state *domain.CoordState, id, from, to, typ string, prio domain.Priority, payload string) *domain.Message {
	if id == "" {
		id = s.newID()
	} else if m, ok := state.Messages[id]; ok {
		return m
	}
	if from == "" {
		from = domain.SystemSender
	}
	m := &domain.Message{
		ID:        id,
		Timestamp: s.now(),
		Sender:    from,
		Recipient: to,
		Type:      typ,
		Priority:  prio,
		Payload:   payload,
	}
	state.PutMessage(m, domain.OpPut)
	return m
}
