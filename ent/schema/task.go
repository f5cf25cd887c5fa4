package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Task holds the schema definition for persisted tasks. Running tasks live
// in the scheduler's memory; rows are written at creation and on every
// status transition, with the full step trail serialized at terminal
// transitions.
type Task struct {
	ent.Schema
}

// Fields of the Task.
func (Task) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("task_id").
			Unique().
			Immutable(),
		field.Text("instruction"),
		field.String("device_id").
			Optional(),
		field.String("device_kind").
			Optional().
			Comment("phone or pc; splits the phone and PC task flows"),
		field.Enum("status").
			Values("pending", "running", "waiting_for_user", "completed", "failed", "cancelled").
			Default("pending"),
		field.Time("created_at").
			Default(time.Now),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("completed_at").
			Optional().
			Nillable(),
		field.Text("result").
			Optional(),
		field.Text("error_message").
			Optional(),
		field.Text("steps").
			Optional().
			Comment("JSON-serialized step trail"),
		field.Int("prompt_tokens").
			Default(0),
		field.Int("completion_tokens").
			Default(0),
		field.Int("total_tokens").
			Default(0),
		field.String("model").
			Optional(),
		field.String("kernel_mode").
			Optional(),
		field.String("executed_mode").
			Optional(),
		field.JSON("memory", map[string]interface{}{}).
			Optional().
			Comment("notes + todo markdown"),
		field.JSON("pending_question", map[string]interface{}{}).
			Optional(),
	}
}

// Indexes of the Task.
func (Task) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status", "created_at"),
		index.Fields("device_id"),
	}
}
