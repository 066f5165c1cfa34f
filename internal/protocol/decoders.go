package protocol

import (
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/resident-x/go-pi30/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/pi30.yaml
var layoutYAML []byte

// Field type constants.
const (
	fieldTypeInt     = "int"
	fieldTypeDecimal = "decimal"
	fieldTypeText    = "text"
	fieldTypeEnum    = "enum"
	fieldTypeBits    = "bits"
)

// FieldDef describes one token position in a query layout.
type FieldDef struct {
	Name      string   `yaml:"name"`
	Unit      string   `yaml:"unit"`
	Type      string   `yaml:"type"`
	Precision int      `yaml:"precision"`
	Scale     float64  `yaml:"scale"`
	Mapping   string   `yaml:"mapping"`
	Bits      []string `yaml:"bits"`
}

// QueryLayout is the fixed ordered token table for one query.
type QueryLayout struct {
	Command string     `yaml:"command"`
	Fields  []FieldDef `yaml:"fields"`
}

// layoutTable is the full embedded layout document.
type layoutTable struct {
	Version  string                       `yaml:"version"`
	Mappings map[string]map[string]string `yaml:"mappings"`
	Queries  map[string]QueryLayout       `yaml:"queries"`
}

// Codec turns query types into wire frames and raw response frames into
// metric sets, driven by the embedded layout tables.
type Codec struct {
	table   *layoutTable
	layouts map[domain.QueryType]QueryLayout
}

// NewCodec loads the embedded PI30 layout tables.
func NewCodec() (*Codec, error) {
	var table layoutTable
	if err := yaml.Unmarshal(layoutYAML, &table); err != nil {
		return nil, fmt.Errorf("failed to parse PI30 layouts: %w", err)
	}

	layouts := make(map[domain.QueryType]QueryLayout, len(domain.AllQueryTypes))
	for _, q := range domain.AllQueryTypes {
		layout, ok := table.Queries[q.String()]
		if !ok {
			return nil, fmt.Errorf("no layout for query %s", q)
		}
		layouts[q] = layout
	}

	return &Codec{table: &table, layouts: layouts}, nil
}

// Command returns the PI30 command mnemonic for a query type.
func (c *Codec) Command(q domain.QueryType) string {
	return c.layouts[q].Command
}

// ExpectedTokens returns the fixed token arity of a query type.
func (c *Codec) ExpectedTokens(q domain.QueryType) int {
	return len(c.layouts[q].Fields)
}

// Encode builds the wire frame for a query.
func (c *Codec) Encode(q domain.QueryType) []byte {
	return EncodeCommand(c.layouts[q].Command)
}

// Decode validates a raw response frame and maps its tokens to a metric set
// according to the query's layout table. It returns the complete metric set or
// a typed error, never a partial result.
func (c *Codec) Decode(q domain.QueryType, raw []byte) (domain.MetricSet, error) {
	tokens, err := DecodeFrame(raw)
	if err != nil {
		return domain.MetricSet{}, err
	}

	layout := c.layouts[q]
	if len(tokens) != len(layout.Fields) {
		return domain.MetricSet{}, &TokenCountError{
			Query: layout.Command,
			Want:  len(layout.Fields),
			Got:   len(tokens),
		}
	}

	values := make(map[string]domain.Metric, len(layout.Fields))
	for i, field := range layout.Fields {
		if err := c.decodeField(field, tokens[i], values); err != nil {
			return domain.MetricSet{}, err
		}
	}

	return domain.MetricSet{
		Query:  q,
		Taken:  time.Now(),
		Values: values,
	}, nil
}

// decodeField parses one token into its metric(s) and stores them in values.
func (c *Codec) decodeField(field FieldDef, token string, values map[string]domain.Metric) error {
	switch field.Type {
	case fieldTypeInt:
		n, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return &FieldFormatError{Field: field.Name, Token: token, Err: err}
		}
		values[field.Name] = domain.Metric{
			Kind:   domain.MetricInt,
			Unit:   field.Unit,
			Number: n,
		}

	case fieldTypeDecimal:
		n, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return &FieldFormatError{Field: field.Name, Token: token, Err: err}
		}
		if field.Scale != 0 {
			n *= field.Scale
		}
		values[field.Name] = domain.Metric{
			Kind:      domain.MetricDecimal,
			Unit:      field.Unit,
			Precision: field.Precision,
			Number:    n,
		}

	case fieldTypeText:
		values[field.Name] = domain.Metric{
			Kind: domain.MetricText,
			Text: token,
		}

	case fieldTypeEnum:
		label, ok := c.table.Mappings[field.Mapping][token]
		if !ok {
			label = domain.UnknownLabel(token)
		}
		values[field.Name] = domain.Metric{
			Kind:  domain.MetricEnum,
			Code:  token,
			Label: label,
		}

	case fieldTypeBits:
		if len(token) != len(field.Bits) {
			return &FieldFormatError{
				Field: field.Name,
				Token: token,
				Err:   fmt.Errorf("expected %d flag bits", len(field.Bits)),
			}
		}
		for i, name := range field.Bits {
			switch token[i] {
			case '0', '1':
				values[name] = domain.Metric{
					Kind: domain.MetricFlag,
					Flag: token[i] == '1',
				}
			default:
				return &FieldFormatError{
					Field: field.Name,
					Token: token,
					Err:   fmt.Errorf("flag bit %d is not 0 or 1", i),
				}
			}
		}

	default:
		return fmt.Errorf("layout field %s has unknown type %q", field.Name, field.Type)
	}

	return nil
}
