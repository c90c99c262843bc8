package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DatabaseClient handles PostgREST operations.
type DatabaseClient struct {
	client *Client
}

// From starts a query builder for a table.
func (d *DatabaseClient) From(table string) *QueryBuilder {
	return &QueryBuilder{
		client:  d.client,
		table:   table,
		method:  "GET",
		columns: "*",
		filters: make([]string, 0),
		headers: make(map[string]string),
	}
}

// RPC calls a Postgres function with the anon key.
func (d *DatabaseClient) RPC(ctx context.Context, fn string, params interface{}) ([]byte, error) {
	return d.rpc(ctx, fn, params, func(u string, body []byte) (*response, error) {
		return d.client.request(ctx, "POST", u, body, nil)
	})
}

// RPCWithToken calls a Postgres function with a user token.
func (d *DatabaseClient) RPCWithToken(ctx context.Context, fn string, params interface{}, accessToken string) ([]byte, error) {
	return d.rpc(ctx, fn, params, func(u string, body []byte) (*response, error) {
		return d.client.requestWithToken(ctx, "POST", u, body, nil, accessToken)
	})
}

// RPCWithServiceKey calls a Postgres function bypassing RLS.
func (d *DatabaseClient) RPCWithServiceKey(ctx context.Context, fn string, params interface{}) ([]byte, error) {
	return d.rpc(ctx, fn, params, func(u string, body []byte) (*response, error) {
		return d.client.requestWithServiceKey(ctx, "POST", u, body, nil)
	})
}

func (d *DatabaseClient) rpc(ctx context.Context, fn string, params interface{}, send func(string, []byte) (*response, error)) ([]byte, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	resp, err := send(d.client.restURL+"/rpc/"+url.PathEscape(fn), body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	return resp.Body, nil
}

// =============================================================================
// Query Builder
// =============================================================================

// QueryBuilder builds and executes database queries.
type QueryBuilder struct {
	client      *Client
	table       string
	method      string
	columns     string
	filters     []string
	orders      []string
	limitVal    *int
	offsetVal   *int
	body        []byte
	bodyErr     error
	headers     map[string]string
	onConflict  string
	single      bool
	count       string // "", "exact", "planned", "estimated"
	accessToken string
	serviceKey  bool
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	if q.method != "HEAD" {
		q.method = "GET"
	}
	q.columns = columns
	return q
}

// Insert inserts records.
func (q *QueryBuilder) Insert(data interface{}) *QueryBuilder {
	q.method = "POST"
	q.setBody(data)
	q.headers["Prefer"] = "return=representation"
	return q
}

// Upsert inserts records, merging rows that collide on onConflict.
func (q *QueryBuilder) Upsert(data interface{}, onConflict string) *QueryBuilder {
	q.method = "POST"
	q.setBody(data)
	q.headers["Prefer"] = "return=representation,resolution=merge-duplicates"
	q.onConflict = onConflict
	return q
}

// Update updates records.
func (q *QueryBuilder) Update(data interface{}) *QueryBuilder {
	q.method = "PATCH"
	q.setBody(data)
	q.headers["Prefer"] = "return=representation"
	return q
}

// Delete deletes records.
func (q *QueryBuilder) Delete() *QueryBuilder {
	q.method = "DELETE"
	q.headers["Prefer"] = "return=representation"
	return q
}

func (q *QueryBuilder) setBody(data interface{}) {
	q.body, q.bodyErr = json.Marshal(data)
}

// =============================================================================
// Filters
// =============================================================================

func (q *QueryBuilder) addFilter(column string, op FilterOperator, value interface{}) *QueryBuilder {
	q.filters = append(q.filters, url.QueryEscape(column)+"="+string(op)+"."+url.QueryEscape(fmt.Sprint(value)))
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value interface{}) *QueryBuilder {
	return q.addFilter(column, OpEq, value)
}

// Neq adds a not-equal filter.
func (q *QueryBuilder) Neq(column string, value interface{}) *QueryBuilder {
	return q.addFilter(column, OpNeq, value)
}

// Gt adds a greater-than filter.
func (q *QueryBuilder) Gt(column string, value interface{}) *QueryBuilder {
	return q.addFilter(column, OpGt, value)
}

// Gte adds a greater-than-or-equal filter.
func (q *QueryBuilder) Gte(column string, value interface{}) *QueryBuilder {
	return q.addFilter(column, OpGte, value)
}

// Lt adds a less-than filter.
func (q *QueryBuilder) Lt(column string, value interface{}) *QueryBuilder {
	return q.addFilter(column, OpLt, value)
}

// Lte adds a less-than-or-equal filter.
func (q *QueryBuilder) Lte(column string, value interface{}) *QueryBuilder {
	return q.addFilter(column, OpLte, value)
}

// ILike adds a case-insensitive LIKE filter. Use * as the wildcard.
func (q *QueryBuilder) ILike(column, pattern string) *QueryBuilder {
	return q.addFilter(column, OpILike, pattern)
}

// Is adds an IS filter (for null, true, false).
func (q *QueryBuilder) Is(column string, value interface{}) *QueryBuilder {
	return q.addFilter(column, OpIs, value)
}

// In adds an IN filter.
func (q *QueryBuilder) In(column string, values ...interface{}) *QueryBuilder {
	strValues := make([]string, len(values))
	for i, v := range values {
		strValues[i] = fmt.Sprint(v)
	}
	return q.addFilter(column, OpIn, "("+strings.Join(strValues, ",")+")")
}

// Or adds an OR filter group, e.g. "a.eq.1,b.ilike.*x*".
func (q *QueryBuilder) Or(filters string) *QueryBuilder {
	q.filters = append(q.filters, "or="+url.QueryEscape("("+filters+")"))
	return q
}

// =============================================================================
// Ordering and Pagination
// =============================================================================

// Order adds an order clause.
func (q *QueryBuilder) Order(column string, opts ...OrderDirection) *QueryBuilder {
	dir := OrderAsc
	if len(opts) > 0 {
		dir = opts[0]
	}
	q.orders = append(q.orders, fmt.Sprintf("%s.%s", column, dir))
	return q
}

// Limit sets the maximum number of rows.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limitVal = &n
	return q
}

// Offset sets the number of rows to skip.
func (q *QueryBuilder) Offset(n int) *QueryBuilder {
	q.offsetVal = &n
	return q
}

// Single expects a single row result.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	q.headers["Accept"] = "application/vnd.pgrst.object+json"
	return q
}

// Count includes a row count in the result.
func (q *QueryBuilder) Count(countType string) *QueryBuilder {
	q.count = countType
	return q
}

// Head turns the query into a count-only HEAD request.
func (q *QueryBuilder) Head() *QueryBuilder {
	q.method = "HEAD"
	if q.count == "" {
		q.count = "exact"
	}
	return q
}

// WithToken sets the access token for RLS.
func (q *QueryBuilder) WithToken(token string) *QueryBuilder {
	q.accessToken = token
	return q
}

// WithServiceKey runs the query with the service role key.
func (q *QueryBuilder) WithServiceKey() *QueryBuilder {
	q.serviceKey = true
	return q
}

// =============================================================================
// Execution
// =============================================================================

// Execute executes the query.
func (q *QueryBuilder) Execute(ctx context.Context) (*QueryResult, error) {
	if q.bodyErr != nil {
		return nil, fmt.Errorf("marshal body: %w", q.bodyErr)
	}

	urlStr := q.buildURL()

	if q.count != "" {
		q.headers["Prefer"] = appendPrefer(q.headers["Prefer"], "count="+q.count)
	}

	var resp *response
	var err error

	switch {
	case q.serviceKey:
		resp, err = q.client.requestWithServiceKey(ctx, q.method, urlStr, q.body, q.headers)
	case q.accessToken != "":
		resp, err = q.client.requestWithToken(ctx, q.method, urlStr, q.body, q.headers, q.accessToken)
	default:
		resp, err = q.client.request(ctx, q.method, urlStr, q.body, q.headers)
	}

	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	result := &QueryResult{Data: resp.Body, StatusCode: resp.StatusCode}
	if q.count != "" {
		if n, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			result.Count = &n
		}
	}
	return result, nil
}

// ExecuteInto executes the query and unmarshals into dest.
func (q *QueryBuilder) ExecuteInto(ctx context.Context, dest interface{}) error {
	result, err := q.Execute(ctx)
	if err != nil {
		return err
	}

	if len(result.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.Data, dest); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// ExecuteCount executes the query and returns only the row count.
func (q *QueryBuilder) ExecuteCount(ctx context.Context) (int64, error) {
	if q.count == "" {
		q.count = "exact"
	}
	result, err := q.Execute(ctx)
	if err != nil {
		return 0, err
	}
	if result.Count == nil {
		return 0, fmt.Errorf("count missing from response for %s", q.table)
	}
	return *result.Count, nil
}

// buildURL builds the request URL.
func (q *QueryBuilder) buildURL() string {
	urlStr := q.client.restURL + "/" + url.PathEscape(q.table)

	params := make([]string, 0)

	if (q.method == "GET" || q.method == "HEAD") && q.columns != "" {
		params = append(params, "select="+url.QueryEscape(q.columns))
	}

	if q.onConflict != "" {
		params = append(params, "on_conflict="+url.QueryEscape(q.onConflict))
	}

	params = append(params, q.filters...)

	if len(q.orders) > 0 {
		params = append(params, "order="+strings.Join(q.orders, ","))
	}

	if q.limitVal != nil {
		params = append(params, fmt.Sprintf("limit=%d", *q.limitVal))
	}

	if q.offsetVal != nil {
		params = append(params, fmt.Sprintf("offset=%d", *q.offsetVal))
	}

	if len(params) > 0 {
		urlStr += "?" + strings.Join(params, "&")
	}

	return urlStr
}

// appendPrefer appends to the Prefer header.
func appendPrefer(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "," + addition
}

// parseContentRange reads the total from "0-9/42" or "*/42".
func parseContentRange(header string) (int64, bool) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, false
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
