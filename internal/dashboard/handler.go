package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sheetsync/sheetsync/internal/store"
	ssync "github.com/sheetsync/sheetsync/internal/sync"
)

// RecordUpdateData contains data for record change events
type RecordUpdateData struct {
	RecordID   string `json:"record_id,omitempty"`
	Collection string `json:"collection,omitempty"`
	Action     string `json:"action"`
	Revision   int64  `json:"revision,omitempty"`
}

// StatsData contains per-collection record counts
type StatsData struct {
	Collections []store.CollectionStats `json:"collections"`
	Unsynced    int                     `json:"unsynced"`
}

// StatsSource reports per-collection counts.
type StatsSource interface {
	Stats(ctx context.Context) ([]store.CollectionStats, error)
}

// Handler turns store changes and sync results into dashboard messages
type Handler struct {
	server *Server
	stats  StatsSource
}

// NewHandler creates a new dashboard event handler. stats may be nil.
func NewHandler(server *Server, stats StatsSource) *Handler {
	h := &Handler{server: server, stats: stats}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnChange broadcasts a record change.
func (h *Handler) OnChange(c store.Change) {
	data := RecordUpdateData{
		RecordID:   c.ID,
		Collection: c.Collection,
		Action:     string(c.Op),
	}
	if c.Record != nil {
		data.Revision = c.Record.Revision
	}
	h.broadcast(MessageTypeRecordUpdate, data)
}

// OnResult broadcasts a finished sync pass followed by fresh counts.
func (h *Handler) OnResult(r ssync.Result) {
	h.broadcast(MessageTypeSyncResult, r)
	if h.stats != nil {
		h.server.Broadcast(h.statsMessage())
	}
}

// BroadcastStats sends the given counts to every client.
func (h *Handler) BroadcastStats(stats []store.CollectionStats) {
	h.broadcast(MessageTypeStats, newStatsData(stats))
}

func (h *Handler) statsMessage() Message {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if h.stats == nil {
		return msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := h.stats.Stats(ctx)
	if err != nil {
		h.server.logger.Printf("Failed to read stats: %v", err)
		return msg
	}
	if data, err := json.Marshal(newStatsData(stats)); err == nil {
		msg.Data = data
	}
	return msg
}

func (h *Handler) broadcast(msgType MessageType, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.server.logger.Printf("Failed to marshal %s data: %v", msgType, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      jsonData,
	})
}

func newStatsData(stats []store.CollectionStats) StatsData {
	d := StatsData{Collections: stats}
	for _, s := range stats {
		d.Unsynced += s.Unsynced
	}
	return d
}
