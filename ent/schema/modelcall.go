package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ModelCall is the append-only per-step LLM usage record for cost
// accounting.
type ModelCall struct {
	ent.Schema
}

// Fields of the ModelCall.
func (ModelCall) Fields() []ent.Field {
	return []ent.Field{
		field.String("task_id"),
		field.Int("step_index"),
		field.String("model"),
		field.Int("prompt_tokens").
			Default(0),
		field.Int("completion_tokens").
			Default(0),
		field.Int("total_tokens").
			Default(0),
		field.Int64("latency_ms").
			Default(0),
		field.Time("created_at").
			Default(time.Now),
	}
}

// Indexes of the ModelCall.
func (ModelCall) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("task_id"),
		index.Fields("created_at"),
	}
}
