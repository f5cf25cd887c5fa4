package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Device holds the schema definition for persisted device records. The live
// status is derived in the registry; rows carry identity, specs and the
// cumulative counters that survive restarts.
type Device struct {
	ent.Schema
}

// Fields of the Device.
func (Device) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("device_id").
			Unique().
			Immutable(),
		field.String("name"),
		field.String("kind").
			Comment("phone or pc"),
		field.Int("port"),
		field.String("status").
			Default("offline"),
		field.JSON("specs", map[string]interface{}{}).
			Optional(),
		field.Int("total_tasks").
			Default(0),
		field.Int("success_tasks").
			Default(0),
		field.Int("failed_tasks").
			Default(0),
		field.Time("last_heartbeat").
			Optional().
			Nillable(),
		field.Time("registered_at").
			Default(time.Now),
	}
}

// Indexes of the Device.
func (Device) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("port"),
		index.Fields("kind"),
	}
}
