package bunrepo

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-entity-store/query"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// selectCriteria translates q into repository criteria. Conditions become
// WHERE clauses on snake_case columns, Direct criteria are passed through
// verbatim. Sorting and paging are included unless withPaging is false.
func selectCriteria(q query.Query, withPaging bool) ([]repository.SelectCriteria, error) {
	out := make([]repository.SelectCriteria, 0, len(q.Criteria)+3)
	for _, c := range q.Criteria {
		sc, err := criterion(c)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}

	for _, s := range q.Options.Sort {
		if strings.Contains(s.Property, ".") {
			return nil, fmt.Errorf("bunrepo: cannot sort by nested property %q", s.Property)
		}
		dir := "ASC"
		if s.Descending {
			dir = "DESC"
		}
		col := column(s.Property)
		out = append(out, func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.OrderExpr("? "+dir, bun.Ident(col))
		})
	}

	if withPaging {
		if skip := q.Options.Skip; skip > 0 {
			out = append(out, func(sq *bun.SelectQuery) *bun.SelectQuery { return sq.Offset(skip) })
		}
		if take := q.Options.Take; take > 0 {
			out = append(out, func(sq *bun.SelectQuery) *bun.SelectQuery { return sq.Limit(take) })
		}
	}
	return out, nil
}

func criterion(c query.Criterion) (repository.SelectCriteria, error) {
	switch v := c.(type) {
	case query.Condition:
		return condition(v)
	case *query.Condition:
		if v == nil {
			return nil, &query.UnsupportedCriterionError{Criterion: c}
		}
		return condition(*v)
	case query.Direct:
		return direct(v), nil
	case *query.Direct:
		if v == nil {
			return nil, &query.UnsupportedCriterionError{Criterion: c}
		}
		return direct(*v), nil
	default:
		return nil, &query.UnsupportedCriterionError{Criterion: c}
	}
}

func direct(d query.Direct) repository.SelectCriteria {
	return func(sq *bun.SelectQuery) *bun.SelectQuery {
		return sq.Where(d.SQL, d.Args...)
	}
}

func condition(c query.Condition) (repository.SelectCriteria, error) {
	if strings.Contains(c.Property, ".") {
		return nil, &query.UnsupportedCriterionError{Criterion: c}
	}
	col := bun.Ident(column(c.Property))

	switch c.Operator {
	case query.Eq, query.NotEq, query.Lt, query.Lte, query.Gt, query.Gte:
		expr := "? " + string(c.Operator) + " ?"
		return func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where(expr, col, c.Value)
		}, nil
	case query.Contains:
		pattern := "%" + fmt.Sprint(c.Value) + "%"
		return func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("? LIKE ?", col, pattern)
		}, nil
	case query.In:
		return func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("? IN (?)", col, bun.In(c.Value))
		}, nil
	case query.IsNull:
		return func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("? IS NULL", col)
		}, nil
	default:
		return nil, &query.UnsupportedCriterionError{Criterion: c}
	}
}
