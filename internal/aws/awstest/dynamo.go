// Package awstest provides an in-memory DynamoDB for unit tests. It evaluates
// the small subset of condition and update expressions the stores issue.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// Dynamo is a concurrency-safe in-memory table set keyed by a single string partition key.
type Dynamo struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]item

	PutCalls    int
	GetCalls    int
	UpdateCalls int

	// Err, when set, is returned by every call.
	Err error
}

// NewDynamo returns an empty fake.
func NewDynamo() *Dynamo {
	return &Dynamo{keys: map[string]string{}, tables: map[string]map[string]item{}}
}

// WithTable registers a table and its partition key attribute.
func (d *Dynamo) WithTable(name, partitionKey string) *Dynamo {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[name] = partitionKey
	d.tables[name] = map[string]item{}
	return d
}

// Item returns a copy of the stored item, or nil.
func (d *Dynamo) Item(table, key string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.tables[table][key]
	if !ok {
		return nil
	}
	return copyItem(it)
}

// Len returns the number of items in table.
func (d *Dynamo) Len(table string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tables[table])
}

// Seed stores it directly, bypassing conditions.
func (d *Dynamo) Seed(table string, it map[string]types.AttributeValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, err := d.keyOf(table, it)
	if err != nil {
		return err
	}
	d.tables[table][k] = copyItem(it)
	return nil
}

func (d *Dynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PutCalls++
	if d.Err != nil {
		return nil, d.Err
	}
	if err := d.put(deref(params.TableName), params.Item, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	return &dyn.PutItemOutput{}, nil
}

func (d *Dynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.GetCalls++
	if d.Err != nil {
		return nil, d.Err
	}
	table := deref(params.TableName)
	k, err := d.keyOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	it, ok := d.tables[table][k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(it)}, nil
}

func (d *Dynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UpdateCalls++
	if d.Err != nil {
		return nil, d.Err
	}
	it, err := d.update(deref(params.TableName), params.Key, params.UpdateExpression, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dyn.UpdateItemOutput{Attributes: copyItem(it)}, nil
}

func (d *Dynamo) put(table string, it item, cond *string, names map[string]string, values map[string]types.AttributeValue) error {
	k, err := d.keyOf(table, it)
	if err != nil {
		return err
	}
	current := d.tables[table][k]
	if err := check(cond, current, names, values); err != nil {
		return err
	}
	d.tables[table][k] = copyItem(it)
	return nil
}

func (d *Dynamo) update(table string, key item, expr, cond *string, names map[string]string, values map[string]types.AttributeValue) (item, error) {
	k, err := d.keyOf(table, key)
	if err != nil {
		return nil, err
	}
	current := d.tables[table][k]
	if err := check(cond, current, names, values); err != nil {
		return nil, err
	}
	next := copyItem(current)
	if next == nil {
		next = copyItem(key)
	}
	if err := applySet(deref(expr), next, names, values); err != nil {
		return nil, err
	}
	d.tables[table][k] = next
	return next, nil
}

func (d *Dynamo) keyOf(table string, it item) (string, error) {
	pk, ok := d.keys[table]
	if !ok {
		return "", fmt.Errorf("awstest: unknown table %q", table)
	}
	v, ok := it[pk].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("awstest: item has no string %s", pk)
	}
	return v.Value, nil
}

func check(cond *string, current item, names map[string]string, values map[string]types.AttributeValue) error {
	if cond == nil || *cond == "" {
		return nil
	}
	p := &parser{toks: tokenize(*cond), item: current, names: names, values: values}
	ok, err := p.expr()
	if err != nil {
		return fmt.Errorf("awstest: condition %q: %w", *cond, err)
	}
	if p.pos != len(p.toks) {
		return fmt.Errorf("awstest: trailing tokens in %q", *cond)
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	return nil
}

// applySet supports "SET a = :x, #b = :y".
func applySet(expr string, it item, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(strings.ToUpper(expr), "SET ") {
		return fmt.Errorf("awstest: unsupported update %q", expr)
	}
	for _, assign := range strings.Split(expr[4:], ",") {
		parts := strings.SplitN(assign, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("awstest: bad assignment %q", assign)
		}
		name := resolveName(strings.TrimSpace(parts[0]), names)
		v, ok := values[strings.TrimSpace(parts[1])]
		if !ok {
			return fmt.Errorf("awstest: missing value %q", parts[1])
		}
		it[name] = v
	}
	return nil
}

type parser struct {
	toks   []string
	pos    int
	item   item
	names  map[string]string
	values map[string]types.AttributeValue
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) expect(t string) error {
	if got := p.next(); got != t {
		return fmt.Errorf("expected %q, got %q", t, got)
	}
	return nil
}

func (p *parser) expr() (bool, error) {
	left, err := p.term()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "OR") {
		p.next()
		right, err := p.term()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *parser) term() (bool, error) {
	left, err := p.factor()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "AND") {
		p.next()
		right, err := p.factor()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *parser) factor() (bool, error) {
	switch t := p.peek(); {
	case t == "(":
		p.next()
		v, err := p.expr()
		if err != nil {
			return false, err
		}
		return v, p.expect(")")
	case t == "attribute_not_exists" || t == "attribute_exists":
		p.next()
		if err := p.expect("("); err != nil {
			return false, err
		}
		name := resolveName(p.next(), p.names)
		if err := p.expect(")"); err != nil {
			return false, err
		}
		_, exists := p.item[name]
		if t == "attribute_exists" {
			return exists, nil
		}
		return !exists, nil
	}

	left, lok := p.operand(p.next())
	op := p.next()
	right, rok := p.operand(p.next())
	if !lok || !rok {
		return false, nil
	}
	c, err := compare(left, right)
	if err != nil {
		return false, err
	}
	switch op {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func (p *parser) operand(tok string) (types.AttributeValue, bool) {
	if strings.HasPrefix(tok, ":") {
		v, ok := p.values[tok]
		return v, ok
	}
	v, ok := p.item[resolveName(tok, p.names)]
	return v, ok
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, errors.New("type mismatch")
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, errors.New("type mismatch")
		}
		x, err := strconv.ParseFloat(av.Value, 64)
		if err != nil {
			return 0, err
		}
		y, err := strconv.ParseFloat(bv.Value, 64)
		if err != nil {
			return 0, err
		}
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported attribute type %T", a)
}

func tokenize(s string) []string {
	var toks []string
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '<' || c == '>' || c == '=':
			j := i + 1
			if j < len(s) && (s[j] == '=' || s[j] == '>') {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		default:
			j := i
			for j < len(s) && !unicode.IsSpace(rune(s[j])) && !strings.ContainsRune("()<>=", rune(s[j])) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks
}

func resolveName(tok string, names map[string]string) string {
	if strings.HasPrefix(tok, "#") {
		if n, ok := names[tok]; ok {
			return n
		}
	}
	return tok
}

func copyItem(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
