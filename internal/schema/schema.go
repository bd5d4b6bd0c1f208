// Package schema publishes JSON Schemas for the payloads exchanged on the
// presence and notification channels.
package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/invopop/jsonschema"

	"basegraph.app/livesync/internal/model"
	"basegraph.app/livesync/internal/presence"
)

type Direction string

const (
	Outbound Direction = "client_to_server"
	Inbound  Direction = "server_to_client"
)

type Document struct {
	Name      string             `json:"name"`
	Channel   string             `json:"channel"`
	Direction Direction          `json:"direction"`
	Schema    *jsonschema.Schema `json:"schema"`
}

type entry struct {
	name      string
	channel   string
	direction Direction
	value     any
}

var entries = []entry{
	{string(presence.FrameRegister), "presence", Outbound, presence.RegisterPayload{}},
	{string(presence.FrameHeartbeat), "presence", Outbound, presence.HeartbeatPayload{}},
	{string(presence.FrameStatus), "presence", Outbound, presence.StatusPayload{}},
	{string(presence.FrameViewing), "presence", Outbound, presence.ViewingPayload{}},
	{string(presence.FrameTyping), "presence", Outbound, presence.TypingPayload{}},
	{string(presence.FrameNavigate), "presence", Outbound, presence.NavigatePayload{}},
	{string(presence.FramePresenceUpdate), "presence", Inbound, presence.PresenceUpdatePayload{}},
	{string(presence.FramePresenceEvent), "presence", Inbound, model.PresenceEvent{}},
	{string(model.NotificationNewMessage), "notifications", Inbound, model.NewMessageEvent{}},
	{string(model.NotificationConvUpdated), "notifications", Inbound, model.ConvUpdatedEvent{}},
}

// Generate reflects every payload, ordered by channel then name.
func Generate() []Document {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}

	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		s := reflector.Reflect(e.value)
		s.Title = e.name
		docs = append(docs, Document{Name: e.name, Channel: e.channel, Direction: e.direction, Schema: s})
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Channel != docs[j].Channel {
			return docs[i].Channel < docs[j].Channel
		}
		return docs[i].Name < docs[j].Name
	})
	return docs
}

// Find returns the schema document of one payload.
func Find(name string) (Document, bool) {
	for _, d := range Generate() {
		if d.Name == name {
			return d, true
		}
	}
	return Document{}, false
}

func Write(w io.Writer, docs []Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(docs); err != nil {
		return fmt.Errorf("writing schemas: %w", err)
	}
	return nil
}
