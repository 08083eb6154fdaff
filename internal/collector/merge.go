package collector

import "lakefeed/internal/domain"

// rowState holds the collapsed pending change for one primary key within
// the active segment. Folding keeps the state equal to what replaying the
// changes in order against the warehouse would produce.
type rowState struct {
	change *domain.Change
}

// apply folds next into the collapsed state. keep is false when the
// sequence cancels out entirely (insert followed by delete). Sequences the
// source database cannot legally emit are logic errors.
func (r *rowState) apply(next *domain.Change) (keep bool, err error) {
	prior := r.change
	switch prior.Op {
	case domain.OpInsert:
		switch next.Op {
		case domain.OpInsert:
			return false, domain.ErrLogic("table %s: row %s inserted twice in one segment", next.Table, keyText(next))
		case domain.OpUpdate:
			merged, err := mergeColumns(prior, next)
			if err != nil {
				return false, err
			}
			merged.Op = domain.OpInsert
			r.change = merged
		case domain.OpDelete:
			// The row never existed as far as the warehouse is concerned.
			return false, nil
		}
	case domain.OpUpdate:
		switch next.Op {
		case domain.OpInsert:
			return false, domain.ErrLogic("table %s: row %s inserted over a pending update", next.Table, keyText(next))
		case domain.OpUpdate:
			merged, err := mergeColumns(prior, next)
			if err != nil {
				return false, err
			}
			merged.Op = domain.OpUpdate
			r.change = merged
		case domain.OpDelete:
			r.change = next
		}
	case domain.OpDelete:
		switch next.Op {
		case domain.OpInsert:
			// Delete then re-insert nets out to rewriting the row.
			reinserted := *next
			reinserted.Op = domain.OpUpdate
			r.change = &reinserted
		case domain.OpUpdate:
			return false, domain.ErrLogic("table %s: row %s updated after delete", next.Table, keyText(next))
		case domain.OpDelete:
			return false, domain.ErrLogic("table %s: row %s deleted twice", next.Table, keyText(next))
		}
	}
	return true, nil
}

// mergeColumns overlays next onto prior position by position. A column the
// new change marks toast-unchanged inherits the prior column wholesale, so
// a value seen once keeps flowing through later partial updates.
func mergeColumns(prior, next *domain.Change) (*domain.Change, error) {
	if len(prior.Columns) != len(next.Columns) {
		return nil, domain.ErrLogic(
			"table %s: column count changed mid-segment from %d to %d",
			next.Table, len(prior.Columns), len(next.Columns),
		)
	}
	merged := &domain.Change{Table: next.Table, Op: next.Op, Arrival: next.Arrival}
	merged.Columns = make([]domain.Column, len(next.Columns))
	for i, col := range next.Columns {
		if col.Info != prior.Columns[i].Info {
			return nil, domain.ErrLogic(
				"table %s: column %d changed shape mid-segment (%s vs %s)",
				next.Table, i, prior.Columns[i].Info.Name, col.Info.Name,
			)
		}
		if col.Value.Kind == domain.ValueUnchanged {
			merged.Columns[i] = prior.Columns[i]
		} else {
			merged.Columns[i] = col
		}
	}
	return merged, nil
}

func keyText(c *domain.Change) string {
	key, err := c.Key()
	if err != nil {
		return "?"
	}
	return key.String()
}
