package repository

import "context"

// Exec runs a raw statement. Tests use it to corrupt rows and drop tables.
func (r *Repository) Exec(ctx context.Context, query string) error {
	_, err := r.db.ExecContext(ctx, query)
	return err
}
