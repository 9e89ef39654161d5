package db

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
)

// FilterType defines how a query-string filter maps onto a SQL predicate.
type FilterType int

const (
	FilterExact  FilterType = iota // exact equality on the column
	FilterString                   // case-insensitive prefix match
	FilterDate                     // date comparison, supports gt/ge/lt/le/eq prefixes
	FilterNumber                   // numeric comparison, supports gt/ge/lt/le/eq prefixes
)

// FilterConfig maps a filter name from the query string to a database column.
type FilterConfig struct {
	Type   FilterType
	Column string
}

// SearchQuery accumulates WHERE clauses from request filters and renders
// count and data queries with positional placeholders. It encapsulates the
// list-endpoint search pattern shared by the domain repositories.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSearchQuery creates a SearchQuery for the given table and column list.
func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{
		table: table,
		cols:  cols,
		idx:   1,
	}
}

// Idx returns the next available placeholder index.
func (q *SearchQuery) Idx() int { return q.idx }

// Add appends a raw WHERE clause fragment (without leading "AND").
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// AddString adds a case-insensitive prefix match on the column.
func (q *SearchQuery) AddString(column, value string) {
	q.where += fmt.Sprintf(" AND LOWER(%s) LIKE LOWER($%d)", column, q.idx)
	q.args = append(q.args, value+"%")
	q.idx++
}

// AddDate adds a date comparison. The value may carry a comparison prefix
// (gt, ge, lt, le, eq); a bare value means equality on the date.
func (q *SearchQuery) AddDate(column, value string) {
	op, v := splitComparisonPrefix(value)
	q.where += fmt.Sprintf(" AND %s %s $%d", column, op, q.idx)
	q.args = append(q.args, v)
	q.idx++
}

// AddNumber adds a numeric comparison with the same prefix handling as AddDate.
func (q *SearchQuery) AddNumber(column, value string) {
	op, v := splitComparisonPrefix(value)
	q.where += fmt.Sprintf(" AND %s %s $%d", column, op, q.idx)
	q.args = append(q.args, v)
	q.idx++
}

func splitComparisonPrefix(value string) (op, rest string) {
	switch {
	case strings.HasPrefix(value, "gt"):
		return ">", value[2:]
	case strings.HasPrefix(value, "ge"):
		return ">=", value[2:]
	case strings.HasPrefix(value, "lt"):
		return "<", value[2:]
	case strings.HasPrefix(value, "le"):
		return "<=", value[2:]
	case strings.HasPrefix(value, "eq"):
		return "=", value[2:]
	default:
		return "=", value
	}
}

// ApplyParam applies a single filter using its config.
func (q *SearchQuery) ApplyParam(config FilterConfig, value string) {
	switch config.Type {
	case FilterDate:
		q.AddDate(config.Column, value)
	case FilterNumber:
		q.AddNumber(config.Column, value)
	case FilterString:
		q.AddString(config.Column, value)
	default:
		q.where += fmt.Sprintf(" AND %s = $%d", config.Column, q.idx)
		q.args = append(q.args, value)
		q.idx++
	}
}

// ApplyParams applies all filters that have a config entry; unknown names are
// ignored.
func (q *SearchQuery) ApplyParams(params map[string]string, configs map[string]FilterConfig) {
	for name, value := range params {
		if config, ok := configs[name]; ok {
			q.ApplyParam(config, value)
		}
	}
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// ApplySort processes a sort parameter of comma-separated filter names,
// each optionally prefixed with - for descending order. Names without a
// config entry are skipped; an empty or fully-unknown value falls back to
// defaultOrder.
func (q *SearchQuery) ApplySort(sortParam, defaultOrder string, configs map[string]FilterConfig) {
	if sortParam == "" {
		q.orderBy = defaultOrder
		return
	}
	var parts []string
	for _, field := range strings.Split(sortParam, ",") {
		field = strings.TrimSpace(field)
		desc := false
		if strings.HasPrefix(field, "-") {
			desc = true
			field = field[1:]
		}
		if config, ok := configs[field]; ok {
			if desc {
				parts = append(parts, config.Column+" DESC")
			} else {
				parts = append(parts, config.Column+" ASC")
			}
		}
	}
	if len(parts) > 0 {
		q.orderBy = strings.Join(parts, ", ")
	} else {
		q.orderBy = defaultOrder
	}
}

// CountSQL returns the count query SQL.
func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the arguments for the data query (filter args + limit + offset).
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

// ExtractFilters collects filter values from the query string, skipping
// control parameters (those prefixed with "_", plus limit/offset/sort).
func ExtractFilters(c echo.Context) map[string]string {
	params := map[string]string{}
	for k, v := range c.QueryParams() {
		if len(v) == 0 || strings.HasPrefix(k, "_") {
			continue
		}
		switch k {
		case "limit", "offset", "sort":
			continue
		}
		params[k] = v[0]
	}
	return params
}
