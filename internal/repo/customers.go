package repo

import (
	"context"
	"database/sql"

	"factorypulse/internal/domain"
)

func (r Repo) InsertCustomerTx(ctx context.Context, tx *sql.Tx, c domain.Customer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO customers(id,org_id,name,company,email,phone,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.OrgID, c.Name, nullable(c.Company), nullable(c.Email), nullable(c.Phone), c.CreatedAt)
	return err
}

func (r Repo) GetCustomer(ctx context.Context, orgID, id string) (domain.Customer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,COALESCE(company,''),COALESCE(email,''),COALESCE(phone,''),created_at
FROM customers WHERE id=? AND org_id=?`, id, orgID)
	var c domain.Customer
	err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.Company, &c.Email, &c.Phone, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCustomers(ctx context.Context, orgID string) ([]domain.Customer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,COALESCE(company,''),COALESCE(email,''),COALESCE(phone,''),created_at
FROM customers WHERE org_id=? ORDER BY name ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Customer
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.Company, &c.Email, &c.Phone, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertContactTx(ctx context.Context, tx *sql.Tx, c domain.Contact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contacts(id,customer_id,name,email,phone,role,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.CustomerID, c.Name, nullable(c.Email), nullable(c.Phone), nullable(c.Role), c.CreatedAt)
	return err
}

func (r Repo) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,customer_id,name,COALESCE(email,''),COALESCE(phone,''),COALESCE(role,''),created_at
FROM contacts WHERE id=?`, id)
	var c domain.Contact
	err := row.Scan(&c.ID, &c.CustomerID, &c.Name, &c.Email, &c.Phone, &c.Role, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListContactsByCustomer(ctx context.Context, customerID string) ([]domain.Contact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,customer_id,name,COALESCE(email,''),COALESCE(phone,''),COALESCE(role,''),created_at
FROM contacts WHERE customer_id=? ORDER BY created_at ASC`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.Name, &c.Email, &c.Phone, &c.Role, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
