package metadata

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// FromTable converts AMQP headers into Metadata. Non-string values are
// formatted with fmt so numeric headers survive the conversion.
func FromTable(table amqp.Table) Metadata {
	md := make(Metadata, len(table))
	for k, v := range table {
		switch value := v.(type) {
		case nil:
			continue
		case string:
			md[k] = value
		case []byte:
			md[k] = string(value)
		default:
			md[k] = fmt.Sprint(value)
		}
	}
	return md
}

// ToTable converts Metadata into AMQP headers. It returns nil for empty input
// so publishings without headers stay header-less on the wire.
func ToTable(md Metadata) amqp.Table {
	if len(md) == 0 {
		return nil
	}
	table := make(amqp.Table, len(md))
	for k, v := range md {
		table[k] = v
	}
	return table
}
