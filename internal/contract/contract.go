// Package contract implements C7 (the typed Contract model) and the
// structural half of C4.5 (the Contract Validator): the bridge between
// template tokens and SQL, and the invariants spec §3/§4.5/§8 place on it.
// Modeled on agent/tool_registry.go's "compile once, validate every call"
// shape and, for the struct's own texture, on the retrieved
// zero-context-lab/contract.go's typed, versioned, artifact-enumerating
// Contract (every artifact/field named explicitly rather than left as a
// generic map).
package contract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/neurareport/core/internal/catalog"
	"github.com/neurareport/core/internal/neuraerr"
)

// Tokens is the set of placeholders a Contract must account for (spec §3).
type Tokens struct {
	Scalars   []string `json:"scalars"`
	RowTokens []string `json:"row_tokens"`
	Totals    []string `json:"totals"`
}

// All returns the union of scalar, row, and totals tokens.
func (t Tokens) All() []string {
	out := make([]string, 0, len(t.Scalars)+len(t.RowTokens)+len(t.Totals))
	out = append(out, t.Scalars...)
	out = append(out, t.RowTokens...)
	out = append(out, t.Totals...)
	return out
}

// Join describes the contract's single parent/child relationship. Validate
// accepts a join whose four fields are all non-empty or all empty (no join);
// it rejects only a partly filled join.
type Join struct {
	ParentTable string `json:"parent_table"`
	ParentKey   string `json:"parent_key"`
	ChildTable  string `json:"child_table"`
	ChildKey    string `json:"child_key"`
}

// Empty reports whether every field of the join is unset.
func (j Join) Empty() bool {
	return j.ParentTable == "" && j.ParentKey == "" && j.ChildTable == "" && j.ChildKey == ""
}

// Filters splits required from optional filter tokens (spec §3).
type Filters struct {
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// ReshapeRule is one row-reshaping instruction; Purpose must be non-empty
// (spec §3 invariant).
type ReshapeRule struct {
	Purpose string         `json:"purpose"`
	Kind    string         `json:"kind,omitempty"` // e.g. "UNION_ALL"
	Detail  map[string]any `json:"detail,omitempty"`
}

// OrderBy carries the rows-dataset ORDER BY column list (spec §3).
type OrderBy struct {
	Rows []string `json:"rows"`
}

// Contract is the typed bridge between template tokens and SQL (spec §3).
type Contract struct {
	Tokens       Tokens            `json:"tokens"`
	Mapping      map[string]string `json:"mapping"`
	Join         Join              `json:"join"`
	DateColumns  map[string]string `json:"date_columns"`
	Filters      Filters           `json:"filters"`
	ReshapeRules []ReshapeRule     `json:"reshape_rules"`
	RowComputed  map[string]string `json:"row_computed"`
	TotalsMath   map[string]string `json:"totals_math"`
	Formatters   map[string]string `json:"formatters"`
	OrderBy      OrderBy           `json:"order_by"`
	RowOrder     []string          `json:"row_order"`
	Unresolved   []string          `json:"unresolved"`
}

// ApplyDefaults fills the row_order/order_by.rows default of ["ROWID"] when
// both are empty (spec §3: "both non-empty (default [\"ROWID\"])").
func (c *Contract) ApplyDefaults() {
	if len(c.OrderBy.Rows) == 0 {
		c.OrderBy.Rows = []string{"ROWID"}
	}
	if len(c.RowOrder) == 0 {
		c.RowOrder = []string{"ROWID"}
	}
}

var (
	paramBindingPattern   = regexp.MustCompile(`^PARAM:[A-Za-z_][A-Za-z0-9_]*$`)
	tableColumnIdentifier = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)
)

var datasetNames = map[string]bool{"header": true, "rows": true, "totals": true}

// BindingKind classifies a mapping value per spec §3/§4.5.
type BindingKind int

const (
	BindingUnknown BindingKind = iota
	BindingTableColumn
	BindingParam
	BindingDataset
	BindingExpression
)

// ClassifyBinding determines which of the four shapes a mapping value is.
func ClassifyBinding(value string) BindingKind {
	value = strings.TrimSpace(value)
	if value == "" {
		return BindingUnknown
	}
	if paramBindingPattern.MatchString(value) {
		return BindingParam
	}
	if table, col, ok := strings.Cut(value, "."); ok && !strings.ContainsAny(value, " ()+-*/") {
		if datasetNames[table] && col != "" {
			return BindingDataset
		}
		if table != "" && col != "" {
			return BindingTableColumn
		}
	}
	return BindingExpression
}

// Validate re-checks every structural invariant spec §3/§4.5/§8 place on a
// Contract, re-run at every load boundary (file load, HTTP input, LLM
// output) rather than only inside the build pipeline's own retry loop.
// keyTokens are the tokens the spec requires to round-trip into both
// step5_requirements.parameters.required and the contract's own mapping
// (typically as PARAM:<name>); pass nil when validating before Stage 5 has
// run.
func (c *Contract) Validate(cat *catalog.Catalog, keyTokens []string, correlationID string) error {
	if c.Mapping == nil {
		return neuraerr.New(neuraerr.CodeInvalidContract, correlationID, "contract: mapping is required", nil)
	}

	if missing := missingTokens(c.Tokens.All(), c.Mapping); len(missing) > 0 {
		return neuraerr.New(neuraerr.CodeInvalidContract, correlationID,
			fmt.Sprintf("contract: tokens missing from mapping: %s", strings.Join(missing, ", ")), nil)
	}

	if !c.Join.Empty() {
		if c.Join.ParentTable == "" || c.Join.ParentKey == "" || c.Join.ChildTable == "" || c.Join.ChildKey == "" {
			return neuraerr.New(neuraerr.CodeInvalidContract, correlationID, "contract: join must have all four fields non-empty or be entirely empty", nil)
		}
	}

	for _, rule := range c.ReshapeRules {
		if strings.TrimSpace(rule.Purpose) == "" {
			return neuraerr.New(neuraerr.CodeInvalidContract, correlationID, "contract: reshape_rules entries must carry a non-empty purpose", nil)
		}
	}

	if len(c.OrderBy.Rows) == 0 || len(c.RowOrder) == 0 {
		return neuraerr.New(neuraerr.CodeInvalidContract, correlationID, "contract: order_by.rows and row_order must both be non-empty (default ROWID)", nil)
	}

	if len(c.Unresolved) > 0 {
		return neuraerr.New(neuraerr.CodeInvalidContract, correlationID,
			fmt.Sprintf("contract: unresolved tokens remain: %s", strings.Join(c.Unresolved, ", ")), nil)
	}

	var unknownColumns []string
	for token, binding := range c.Mapping {
		switch ClassifyBinding(binding) {
		case BindingParam, BindingDataset:
			// always allowed shapes
		case BindingTableColumn:
			if cat != nil && !cat.Allows(binding) {
				unknownColumns = append(unknownColumns, fmt.Sprintf("%s->%s", token, binding))
			}
		case BindingExpression:
			if cat != nil {
				for _, col := range referencedColumns(binding) {
					if !cat.Allows(col) {
						unknownColumns = append(unknownColumns, fmt.Sprintf("%s->%s (in expression)", token, col))
					}
				}
			}
		default:
			return neuraerr.New(neuraerr.CodeInvalidContract, correlationID,
				fmt.Sprintf("contract: mapping[%s]=%q is not a recognised binding shape", token, binding), nil)
		}
	}
	if len(unknownColumns) > 0 {
		sort.Strings(unknownColumns)
		return neuraerr.New(neuraerr.CodeInvalidContract, correlationID,
			fmt.Sprintf("contract: bindings reference columns outside the catalog allow-list: %s", strings.Join(unknownColumns, ", ")), nil)
	}

	if len(keyTokens) > 0 {
		for _, kt := range keyTokens {
			binding, ok := c.Mapping[kt]
			if !ok {
				return neuraerr.New(neuraerr.CodeInvalidContract, correlationID,
					fmt.Sprintf("contract: key token %q must appear in the mapping", kt), nil)
			}
			if ClassifyBinding(binding) != BindingParam {
				return neuraerr.New(neuraerr.CodeInvalidContract, correlationID,
					fmt.Sprintf("contract: key token %q must map to PARAM:<name>, got %q", kt, binding), nil)
			}
		}
	}

	return nil
}

// referencedColumns extracts every "table.column"-shaped identifier from a
// free-form SQL expression binding (spec §4.5(d)).
func referencedColumns(expr string) []string {
	matches := tableColumnIdentifier.FindAllStringSubmatch(expr, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1]+"."+m[2])
	}
	return out
}

// missingTokens returns the tokens present in `all` but absent from mapping's
// keys, sorted for stable error messages.
func missingTokens(all []string, mapping map[string]string) []string {
	var missing []string
	for _, t := range all {
		if _, ok := mapping[t]; !ok {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	return missing
}

// Params lists the required/optional SQL parameters a GeneratorAssets bundle
// declares (spec §4.6 step 1).
type Params struct {
	Required []string `json:"required"`
	Optional []string `json:"optional"`
}

// GeneratorAssets is Stage 5's output: SQL entrypoints, output schemas,
// parameters, and the echoed contract (spec §4.4's Stage 5).
type GeneratorAssets struct {
	Dialect        string              `json:"dialect"`
	SQL            SQLEntrypoints      `json:"sql"`
	OutputSchemas  map[string][]string `json:"output_schemas"` // dataset -> ordered column names
	Params         Params              `json:"params"`
	Contract       Contract            `json:"contract"`
	NeedsUserFix   []string            `json:"needs_user_fix"`
	Invalid        bool                `json:"invalid"`
}

// SQLEntrypoints is the three queries a GeneratorAssets bundle must emit
// (spec §4.4 Stage 5, §4.6).
type SQLEntrypoints struct {
	Header string `json:"header"`
	Rows   string `json:"rows"`
	Totals string `json:"totals"`
}

// Accepted reports whether the bundle is usable by the executor: no pending
// user fixes and invalid=false (spec §4.4 Stage 5 acceptance criteria).
func (g *GeneratorAssets) Accepted() bool {
	return !g.Invalid && len(g.NeedsUserFix) == 0
}

// ValidateOutputSchemaOrder checks that every dataset with contract tokens has
// an output_schemas entry with exactly as many columns as tokens (spec §4.4
// Stage 5). Column names are not compared with the token names; the columns
// are matched to tokens by position.
func (g *GeneratorAssets) ValidateOutputSchemaOrder(correlationID string) error {
	checks := []struct {
		dataset string
		tokens  []string
	}{
		{"header", g.Contract.Tokens.Scalars},
		{"rows", g.Contract.Tokens.RowTokens},
		{"totals", g.Contract.Tokens.Totals},
	}
	for _, check := range checks {
		if len(check.tokens) == 0 {
			continue
		}
		cols, ok := g.OutputSchemas[check.dataset]
		if !ok {
			return neuraerr.New(neuraerr.CodeInvalidContract, correlationID,
				fmt.Sprintf("generator assets: output_schemas missing dataset %q", check.dataset), nil)
		}
		if len(cols) != len(check.tokens) {
			return neuraerr.New(neuraerr.CodeInvalidContract, correlationID,
				fmt.Sprintf("generator assets: output_schemas[%s] has %d columns, contract declares %d tokens", check.dataset, len(cols), len(check.tokens)), nil)
		}
	}
	return nil
}
