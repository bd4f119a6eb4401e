package falkor

import (
	"context"
	"fmt"
	"strconv"
)

// Compact reply value types, from the FalkorDB wire protocol.
const (
	typeUnknown = 0
	typeNull    = 1
	typeString  = 2
	typeInteger = 3
	typeBoolean = 4
	typeDouble  = 5
	typeArray   = 6
	typeEdge    = 7
	typeNode    = 8
	typePath    = 9
	typeMap     = 10
	typePoint   = 11
)

// decodeReply turns a raw --compact reply into a Result. Replies carry
// either a lone statistics array (no result set) or header, records and
// statistics.
func (c *client) decodeReply(ctx context.Context, raw any) (Result, error) {
	arr, ok := raw.([]any)
	if !ok {
		return Result{}, fmt.Errorf("unexpected reply type %T", raw)
	}
	switch len(arr) {
	case 1:
		stats, err := decodeStats(arr[0])
		if err != nil {
			return Result{}, err
		}
		return Result{Stats: stats}, nil
	case 3:
		columns, err := decodeHeader(arr[0])
		if err != nil {
			return Result{}, err
		}
		rows, err := c.decodeRecords(ctx, arr[1])
		if err != nil {
			return Result{}, err
		}
		stats, err := decodeStats(arr[2])
		if err != nil {
			return Result{}, err
		}
		return Result{Columns: columns, Rows: rows, Stats: stats}, nil
	default:
		return Result{}, fmt.Errorf("unexpected reply length %d", len(arr))
	}
}

func decodeHeader(raw any) ([]string, error) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected header type %T", raw)
	}
	columns := make([]string, len(arr))
	for i, col := range arr {
		pair, ok := col.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("unexpected header column %v", col)
		}
		name, ok := pair[1].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected header column name %T", pair[1])
		}
		columns[i] = name
	}
	return columns, nil
}

func (c *client) decodeRecords(ctx context.Context, raw any) ([][]any, error) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected records type %T", raw)
	}
	rows := make([][]any, len(arr))
	for i, rec := range arr {
		cells, ok := rec.([]any)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T", rec)
		}
		row := make([]any, len(cells))
		for j, cell := range cells {
			v, err := c.decodeCell(ctx, cell)
			if err != nil {
				return nil, err
			}
			row[j] = v
		}
		rows[i] = row
	}
	return rows, nil
}

func (c *client) decodeCell(ctx context.Context, raw any) (any, error) {
	pair, ok := raw.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("unexpected cell %v", raw)
	}
	t, err := toInt64(pair[0])
	if err != nil {
		return nil, fmt.Errorf("cell type: %w", err)
	}
	return c.decodeValue(ctx, t, pair[1])
}

func (c *client) decodeValue(ctx context.Context, t int64, v any) (any, error) {
	switch t {
	case typeNull:
		return nil, nil
	case typeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected string value %T", v)
		}
		return s, nil
	case typeInteger:
		return toInt64(v)
	case typeBoolean:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected boolean value %T", v)
		}
		return s == "true", nil
	case typeDouble:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected double value %T", v)
		}
		return strconv.ParseFloat(s, 64)
	case typeArray:
		arr, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("unexpected array value %T", v)
		}
		out := make([]any, len(arr))
		for i, item := range arr {
			dv, err := c.decodeCell(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil
	case typeMap:
		arr, ok := v.([]any)
		if !ok || len(arr)%2 != 0 {
			return nil, fmt.Errorf("unexpected map value %v", v)
		}
		out := make(map[string]any, len(arr)/2)
		for i := 0; i < len(arr); i += 2 {
			key, ok := arr[i].(string)
			if !ok {
				return nil, fmt.Errorf("unexpected map key %T", arr[i])
			}
			dv, err := c.decodeCell(ctx, arr[i+1])
			if err != nil {
				return nil, err
			}
			out[key] = dv
		}
		return out, nil
	case typeNode:
		return c.decodeNode(ctx, v)
	case typeEdge:
		return c.decodeEdge(ctx, v)
	default:
		return nil, fmt.Errorf("unsupported value type %d", t)
	}
}

func (c *client) decodeNode(ctx context.Context, v any) (Node, error) {
	parts, ok := v.([]any)
	if !ok || len(parts) != 3 {
		return Node{}, fmt.Errorf("unexpected node value %v", v)
	}
	id, err := toInt64(parts[0])
	if err != nil {
		return Node{}, err
	}
	labelIDs, ok := parts[1].([]any)
	if !ok {
		return Node{}, fmt.Errorf("unexpected node labels %T", parts[1])
	}
	labels := make([]string, len(labelIDs))
	for i, lid := range labelIDs {
		n, err := toInt64(lid)
		if err != nil {
			return Node{}, err
		}
		labels[i], err = c.labelName(ctx, n)
		if err != nil {
			return Node{}, err
		}
	}
	props, err := c.decodeProps(ctx, parts[2])
	if err != nil {
		return Node{}, err
	}
	return Node{ID: id, Labels: labels, Props: props}, nil
}

func (c *client) decodeEdge(ctx context.Context, v any) (Edge, error) {
	parts, ok := v.([]any)
	if !ok || len(parts) != 5 {
		return Edge{}, fmt.Errorf("unexpected edge value %v", v)
	}
	id, err := toInt64(parts[0])
	if err != nil {
		return Edge{}, err
	}
	typeID, err := toInt64(parts[1])
	if err != nil {
		return Edge{}, err
	}
	relType, err := c.relTypeName(ctx, typeID)
	if err != nil {
		return Edge{}, err
	}
	src, err := toInt64(parts[2])
	if err != nil {
		return Edge{}, err
	}
	dst, err := toInt64(parts[3])
	if err != nil {
		return Edge{}, err
	}
	props, err := c.decodeProps(ctx, parts[4])
	if err != nil {
		return Edge{}, err
	}
	return Edge{ID: id, Type: relType, SrcID: src, DstID: dst, Props: props}, nil
}

func (c *client) decodeProps(ctx context.Context, v any) (map[string]any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected properties %T", v)
	}
	props := make(map[string]any, len(arr))
	for _, p := range arr {
		triple, ok := p.([]any)
		if !ok || len(triple) != 3 {
			return nil, fmt.Errorf("unexpected property %v", p)
		}
		keyID, err := toInt64(triple[0])
		if err != nil {
			return nil, err
		}
		key, err := c.propKeyName(ctx, keyID)
		if err != nil {
			return nil, err
		}
		t, err := toInt64(triple[1])
		if err != nil {
			return nil, err
		}
		dv, err := c.decodeValue(ctx, t, triple[2])
		if err != nil {
			return nil, err
		}
		props[key] = dv
	}
	return props, nil
}

func decodeStats(raw any) ([]string, error) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected statistics type %T", raw)
	}
	stats := make([]string, len(arr))
	for i, s := range arr {
		str, ok := s.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected statistic %T", s)
		}
		stats[i] = str
	}
	return stats, nil
}

// labelName resolves a label id, refreshing the cache once on miss.
// Ids are dense and append-only on the server, so a miss means the
// cache is stale.
func (c *client) labelName(ctx context.Context, id int64) (string, error) {
	c.mu.Lock()
	if id >= 0 && id < int64(len(c.labels)) {
		name := c.labels[id]
		c.mu.Unlock()
		return name, nil
	}
	c.mu.Unlock()
	if err := c.refreshCache(ctx, "CALL db.labels()", &c.labels); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= int64(len(c.labels)) {
		return "", fmt.Errorf("unknown label id %d", id)
	}
	return c.labels[id], nil
}

func (c *client) propKeyName(ctx context.Context, id int64) (string, error) {
	c.mu.Lock()
	if id >= 0 && id < int64(len(c.propKeys)) {
		name := c.propKeys[id]
		c.mu.Unlock()
		return name, nil
	}
	c.mu.Unlock()
	if err := c.refreshCache(ctx, "CALL db.propertyKeys()", &c.propKeys); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= int64(len(c.propKeys)) {
		return "", fmt.Errorf("unknown property key id %d", id)
	}
	return c.propKeys[id], nil
}

func (c *client) relTypeName(ctx context.Context, id int64) (string, error) {
	c.mu.Lock()
	if id >= 0 && id < int64(len(c.relTypes)) {
		name := c.relTypes[id]
		c.mu.Unlock()
		return name, nil
	}
	c.mu.Unlock()
	if err := c.refreshCache(ctx, "CALL db.relationshipTypes()", &c.relTypes); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= int64(len(c.relTypes)) {
		return "", fmt.Errorf("unknown relationship type id %d", id)
	}
	return c.relTypes[id], nil
}

// refreshCache reloads one of the id->name registries. Registry replies
// contain only string scalars, so decoding cannot recurse back here.
func (c *client) refreshCache(ctx context.Context, procedure string, dst *[]string) error {
	raw, err := c.cmd.Command(ctx, "GRAPH.RO_QUERY", c.graph, procedure, "--compact")
	if err != nil {
		return err
	}
	arr, ok := raw.([]any)
	if !ok || len(arr) != 3 {
		return fmt.Errorf("unexpected registry reply %v", raw)
	}
	records, ok := arr[1].([]any)
	if !ok {
		return fmt.Errorf("unexpected registry records %T", arr[1])
	}
	names := make([]string, len(records))
	for i, rec := range records {
		row, ok := rec.([]any)
		if !ok || len(row) != 1 {
			return fmt.Errorf("unexpected registry record %v", rec)
		}
		pair, ok := row[0].([]any)
		if !ok || len(pair) != 2 {
			return fmt.Errorf("unexpected registry cell %v", row[0])
		}
		name, ok := pair[1].(string)
		if !ok {
			return fmt.Errorf("unexpected registry name %T", pair[1])
		}
		names[i] = name
	}
	c.mu.Lock()
	*dst = names
	c.mu.Unlock()
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected integer %T", v)
	}
}
