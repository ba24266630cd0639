// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/eframework-org/GO.UTIL/XCollect"
	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XObject"
	"github.com/pkg/errors"
)

const (
	condLeaf = iota
	condAnd
	condOr
	condNot
)

// condNode 是条件语法树的节点。
type condNode struct {
	kind   int
	column string
	op     string
	value  any
	arg    int
	left   *condNode
	right  *condNode
}

// Condition 表示一个查询条件，包含条件树和分页信息。
// 条件中的列名为数据库列名。
type Condition struct {
	root   *condNode
	Limit  int // 分页限制
	Offset int // 分页偏移
}

// Ctor 初始化条件。
func (c *Condition) Ctor(obj any) {
	c.root = nil
	c.Limit = 0
	c.Offset = 0
}

// NewCondition 创建空条件。
func NewCondition() *Condition {
	return XObject.New[Condition]()
}

// Cond 从表达式和参数创建条件，表达式无效时触发 Panic。
//
// 用法:
//  1. Cond("") - 创建空条件
//  2. Cond("a > {0} && b == {1}", 1, 2) - 从表达式和参数创建
//  3. Cond("(a > {0} || b contains {1}) && limit = {2}", 1, "x", 10) - 带括号与分页
//
// 支持的操作符：> >= < <= == != contains startswith endswith isnull in。
// && 与 || 优先级相同，按从左到右结合，需要时使用括号。
func Cond(expr string, args ...any) *Condition {
	c, err := ParseCond(expr, args...)
	if err != nil {
		XLog.Panic("XOrm.Cond('%v'): %v", expr, err)
		return nil
	}
	return c
}

// ParseCond 从表达式和参数创建条件。
func ParseCond(expr string, args ...any) (*Condition, error) {
	c := NewCondition()
	if strings.TrimSpace(expr) == "" {
		return c, nil
	}
	tmpl, err := condTemplates.get(expr)
	if err != nil {
		return nil, err
	}
	if tmpl.params != len(args) {
		return nil, errors.Errorf("args count %v doesn't comply with format count %v", len(args), tmpl.params)
	}
	if tmpl.maxArg >= len(args) {
		return nil, errors.Errorf("parameter index %v exceeds argument count %v", tmpl.maxArg, len(args))
	}
	c.root = bindNode(tmpl.root, args)
	if tmpl.limit >= 0 {
		if n, ok := toInt64(args[tmpl.limit]); ok {
			c.Limit = int(n)
		} else {
			return nil, errors.Errorf("invalid limit %v", args[tmpl.limit])
		}
	}
	if tmpl.offset >= 0 {
		if n, ok := toInt64(args[tmpl.offset]); ok {
			c.Offset = int(n)
		} else {
			return nil, errors.Errorf("invalid offset %v", args[tmpl.offset])
		}
	}
	return c, nil
}

// IsEmpty 返回条件树是否为空。
func (c *Condition) IsEmpty() bool { return c == nil || c.root == nil }

// And 以 AND 追加一个比较条件。
func (c *Condition) And(column, op string, value any) *Condition {
	return c.combine(condAnd, &condNode{kind: condLeaf, column: column, op: normalizeOp(op), value: value, arg: -1}, false)
}

// Or 以 OR 追加一个比较条件。
func (c *Condition) Or(column, op string, value any) *Condition {
	return c.combine(condOr, &condNode{kind: condLeaf, column: column, op: normalizeOp(op), value: value, arg: -1}, false)
}

// In 以 AND 追加 IN 条件。
func (c *Condition) In(column string, values ...any) *Condition {
	return c.And(column, "in", values)
}

// AndCond 以 AND 追加子条件。
func (c *Condition) AndCond(other *Condition) *Condition {
	return c.combine(condAnd, other.rootOrNil(), false)
}

// OrCond 以 OR 追加子条件。
func (c *Condition) OrCond(other *Condition) *Condition {
	return c.combine(condOr, other.rootOrNil(), false)
}

// AndNotCond 以 AND NOT 追加子条件。
func (c *Condition) AndNotCond(other *Condition) *Condition {
	return c.combine(condAnd, other.rootOrNil(), true)
}

// OrNotCond 以 OR NOT 追加子条件。
func (c *Condition) OrNotCond(other *Condition) *Condition {
	return c.combine(condOr, other.rootOrNil(), true)
}

func (c *Condition) rootOrNil() *condNode {
	if c == nil {
		return nil
	}
	return c.root
}

func (c *Condition) combine(kind int, node *condNode, not bool) *Condition {
	ret := NewCondition()
	if c != nil {
		ret.Limit = c.Limit
		ret.Offset = c.Offset
	}
	if node != nil && not {
		node = &condNode{kind: condNot, left: node, arg: -1}
	}
	ret.root = joinNodes(kind, c.rootOrNil(), node)
	return ret
}

func joinNodes(kind int, left, right *condNode) *condNode {
	if left == nil {
		return right
	}
	if right == nil {
		return left
	}
	return &condNode{kind: kind, left: left, right: right, arg: -1}
}

// Match 判断快照是否满足条件，空条件总是满足。
func (c *Condition) Match(snap Snapshot) bool {
	if c.IsEmpty() {
		return true
	}
	return c.root.match(snap)
}

func (n *condNode) match(snap Snapshot) bool {
	switch n.kind {
	case condAnd:
		return n.left.match(snap) && n.right.match(snap)
	case condOr:
		return n.left.match(snap) || n.right.match(snap)
	case condNot:
		return !n.left.match(snap)
	}

	v := snap.Value(n.column)
	switch n.op {
	case "==":
		return valuesEqual(v, n.value)
	case "!=":
		return !valuesEqual(v, n.value)
	case ">", ">=", "<", "<=":
		cmp, ok := compareValues(v, n.value)
		if !ok {
			return false
		}
		switch n.op {
		case ">":
			return cmp > 0
		case ">=":
			return cmp >= 0
		case "<":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "contains":
		return v != nil && strings.Contains(fmt.Sprint(v), fmt.Sprint(n.value))
	case "startswith":
		return v != nil && strings.HasPrefix(fmt.Sprint(v), fmt.Sprint(n.value))
	case "endswith":
		return v != nil && strings.HasSuffix(fmt.Sprint(v), fmt.Sprint(n.value))
	case "isnull":
		return (v == nil) == truthy(n.value)
	case "in":
		for _, item := range toSlice(n.value) {
			if valuesEqual(v, item) {
				return true
			}
		}
		return false
	}
	return false
}

// ToSQL 将条件渲染为 SQL 片段，占位符为 ?，quote 用于转义列名。
func (c *Condition) ToSQL(quote func(string) string) (string, []any) {
	if c.IsEmpty() {
		return "", nil
	}
	if quote == nil {
		quote = func(s string) string { return s }
	}
	args := make([]any, 0)
	sql := c.root.sql(quote, &args)
	return sql, args
}

func (n *condNode) sql(quote func(string) string, args *[]any) string {
	switch n.kind {
	case condAnd:
		return "(" + n.left.sql(quote, args) + " AND " + n.right.sql(quote, args) + ")"
	case condOr:
		return "(" + n.left.sql(quote, args) + " OR " + n.right.sql(quote, args) + ")"
	case condNot:
		return "NOT (" + n.left.sql(quote, args) + ")"
	}

	col := quote(n.column)
	switch n.op {
	case "==":
		if n.value == nil {
			return col + " IS NULL"
		}
		*args = append(*args, n.value)
		return col + " = ?"
	case "!=":
		if n.value == nil {
			return col + " IS NOT NULL"
		}
		*args = append(*args, n.value)
		return col + " <> ?"
	case ">", ">=", "<", "<=":
		*args = append(*args, n.value)
		return col + " " + n.op + " ?"
	case "contains":
		*args = append(*args, "%"+escapeLike(fmt.Sprint(n.value))+"%")
		return col + " LIKE ?"
	case "startswith":
		*args = append(*args, escapeLike(fmt.Sprint(n.value))+"%")
		return col + " LIKE ?"
	case "endswith":
		*args = append(*args, "%"+escapeLike(fmt.Sprint(n.value)))
		return col + " LIKE ?"
	case "isnull":
		if truthy(n.value) {
			return col + " IS NULL"
		}
		return col + " IS NOT NULL"
	case "in":
		items := toSlice(n.value)
		if len(items) == 0 {
			return "1 = 0"
		}
		marks := make([]string, len(items))
		for i, item := range items {
			marks[i] = "?"
			*args = append(*args, item)
		}
		return col + " IN (" + strings.Join(marks, ", ") + ")"
	}
	return "1 = 0"
}

func (c *Condition) String() string {
	sql, args := c.ToSQL(nil)
	if sql == "" {
		return "{}"
	}
	return fmt.Sprintf("%v %v", sql, args)
}

func bindNode(n *condNode, args []any) *condNode {
	if n == nil {
		return nil
	}
	ret := *n
	if n.kind == condLeaf && n.arg >= 0 {
		ret.value = args[n.arg]
		ret.arg = -1
	}
	ret.left = bindNode(n.left, args)
	ret.right = bindNode(n.right, args)
	return &ret
}

func normalizeOp(op string) string {
	switch op = strings.ToLower(strings.TrimSpace(op)); op {
	case "=":
		return "=="
	case "<>":
		return "!="
	default:
		return op
	}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case nil:
		return false
	default:
		if n, ok := toInt64(v); ok {
			return n != 0
		}
		b, _ := strconv.ParseBool(fmt.Sprint(v))
		return b
	}
}

func toSlice(v any) []any {
	if items, ok := v.([]any); ok {
		return items
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	ret := make([]any, rv.Len())
	for i := range ret {
		ret[i] = rv.Index(i).Interface()
	}
	return ret
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// condTemplate 缓存已解析的表达式结构，参数以索引的形式保存在叶子节点中。
type condTemplate struct {
	root   *condNode
	params int
	maxArg int
	limit  int
	offset int
}

type condTemplateMap struct {
	cache *XCollect.Map
}

var condTemplates = &condTemplateMap{cache: XCollect.NewMap()}

// get 获取或解析表达式。
func (tm *condTemplateMap) get(expr string) (*condTemplate, error) {
	if cached, ok := tm.cache.Load(expr); ok {
		return cached.(*condTemplate), nil
	}
	tokens, err := tokenizeCond(expr)
	if err != nil {
		return nil, err
	}
	p := &condParser{tokens: tokens, tmpl: &condTemplate{maxArg: -1, limit: -1, offset: -1}}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, errors.Errorf("unexpected token: %v", p.tokens[p.pos].text)
	}
	p.tmpl.root = root
	tm.cache.Store(expr, p.tmpl)
	return p.tmpl, nil
}

const (
	tokenIdent = iota
	tokenOp
	tokenParam
	tokenLParen
	tokenRParen
	tokenAnd
	tokenOr
	tokenNot
)

type condToken struct {
	kind  int
	text  string
	index int
}

var condKeywords = map[string]bool{
	"contains":   true,
	"startswith": true,
	"endswith":   true,
	"isnull":     true,
	"in":         true,
}

// tokenizeCond 对表达式分词，操作符两侧的空格是可选的。
func tokenizeCond(expr string) ([]condToken, error) {
	tokens := make([]condToken, 0)
	for i := 0; i < len(expr); {
		ch := expr[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			tokens = append(tokens, condToken{kind: tokenLParen, text: "("})
			i++
		case ch == ')':
			tokens = append(tokens, condToken{kind: tokenRParen, text: ")"})
			i++
		case ch == '&' && i+1 < len(expr) && expr[i+1] == '&':
			tokens = append(tokens, condToken{kind: tokenAnd, text: "&&"})
			i += 2
		case ch == '|' && i+1 < len(expr) && expr[i+1] == '|':
			tokens = append(tokens, condToken{kind: tokenOr, text: "||"})
			i += 2
		case ch == '!':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, condToken{kind: tokenOp, text: "!="})
				i += 2
			} else {
				tokens = append(tokens, condToken{kind: tokenNot, text: "!"})
				i++
			}
		case ch == '>' || ch == '<' || ch == '=':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, condToken{kind: tokenOp, text: normalizeOp(expr[i : i+2])})
				i += 2
			} else {
				tokens = append(tokens, condToken{kind: tokenOp, text: normalizeOp(expr[i : i+1])})
				i++
			}
		case ch == '{':
			end := strings.IndexByte(expr[i:], '}')
			if end < 0 {
				return nil, errors.Errorf("unclosed parameter at %v", i)
			}
			index, err := strconv.Atoi(strings.TrimSpace(expr[i+1 : i+end]))
			if err != nil || index < 0 {
				return nil, errors.Errorf("invalid parameter index: %v", expr[i:i+end+1])
			}
			tokens = append(tokens, condToken{kind: tokenParam, text: expr[i : i+end+1], index: index})
			i += end + 1
		case isIdentChar(ch):
			start := i
			for i < len(expr) && isIdentChar(expr[i]) {
				i++
			}
			word := expr[start:i]
			if condKeywords[strings.ToLower(word)] {
				tokens = append(tokens, condToken{kind: tokenOp, text: strings.ToLower(word)})
			} else {
				tokens = append(tokens, condToken{kind: tokenIdent, text: word})
			}
		default:
			return nil, errors.Errorf("unexpected character %q at %v", ch, i)
		}
	}
	return tokens, nil
}

func isIdentChar(ch byte) bool {
	return ch == '_' || ch == '.' || ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}

// condParser 是递归下降解析器，&& 与 || 左结合。
type condParser struct {
	tokens []condToken
	pos    int
	tmpl   *condTemplate
}

func (p *condParser) peek() *condToken {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *condParser) next() *condToken {
	t := p.peek()
	if t != nil {
		p.pos++
	}
	return t
}

func (p *condParser) parseExpr() (*condNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != tokenAnd && t.kind != tokenOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		kind := condAnd
		if t.kind == tokenOr {
			kind = condOr
		}
		left = joinNodes(kind, left, right)
	}
}

func (p *condParser) parseTerm() (*condNode, error) {
	t := p.next()
	if t == nil {
		return nil, errors.New("unexpected end of expression")
	}
	switch t.kind {
	case tokenNot:
		inner, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, nil
		}
		return &condNode{kind: condNot, left: inner, arg: -1}, nil
	case tokenLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if r := p.next(); r == nil || r.kind != tokenRParen {
			return nil, errors.New("missing right bracket")
		}
		return inner, nil
	case tokenIdent:
		op := p.next()
		if op == nil || op.kind != tokenOp {
			return nil, errors.Errorf("missing operator after %v", t.text)
		}
		param := p.next()
		if param == nil || param.kind != tokenParam {
			return nil, errors.Errorf("missing parameter after %v %v", t.text, op.text)
		}
		p.tmpl.params++
		p.tmpl.maxArg = max(p.tmpl.maxArg, param.index)
		switch strings.ToLower(t.text) {
		case "limit":
			p.tmpl.limit = param.index
			return nil, nil
		case "offset":
			p.tmpl.offset = param.index
			return nil, nil
		}
		return &condNode{kind: condLeaf, column: t.text, op: op.text, arg: param.index}, nil
	default:
		return nil, errors.Errorf("unexpected token: %v", t.text)
	}
}
