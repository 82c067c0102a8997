package sqlstore

import (
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const messagesTable = "log_messages"

// Column names; offset and partition are reserved words in several dialects.
const (
	colID        = "id"
	colTopic     = "topic"
	colPartition = "msg_partition"
	colOffset    = "msg_offset"
	colKey       = "msg_key"
	colType      = "type"
	colPayload   = "payload"
	colCreatedAt = "created_at_ns"
)

var (
	messagesColumns = []*schema.Column{
		{Name: colID, Type: field.TypeInt64, Increment: true},
		{Name: colTopic, Type: field.TypeString, Size: 255},
		{Name: colPartition, Type: field.TypeInt32},
		{Name: colOffset, Type: field.TypeInt64},
		{Name: colKey, Type: field.TypeString, Size: 255},
		{Name: colType, Type: field.TypeString, Size: 255},
		{Name: colPayload, Type: field.TypeBytes, Nullable: true, SchemaType: map[string]string{
			dialect.Postgres: "bytea",
		}},
		{Name: colCreatedAt, Type: field.TypeInt64},
	}
	messagesSchema = &schema.Table{
		Name:       messagesTable,
		Columns:    messagesColumns,
		PrimaryKey: []*schema.Column{messagesColumns[0]},
		Indexes: []*schema.Index{
			{Name: "log_message_topic_partition_offset", Unique: true, Columns: []*schema.Column{messagesColumns[1], messagesColumns[2], messagesColumns[3]}},
			{Name: "log_message_topic_key", Columns: []*schema.Column{messagesColumns[1], messagesColumns[4]}},
		},
	}
	tables = []*schema.Table{messagesSchema}
)
