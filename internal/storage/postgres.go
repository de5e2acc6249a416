package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/models"
)

// OpenPostgres opens and pings a Postgres connection shared by the
// per-entity stores below.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type PostgresRequestStore struct {
	db *sql.DB
}

func NewPostgresRequestStore(db *sql.DB) *PostgresRequestStore {
	return &PostgresRequestStore{db: db}
}

func (p *PostgresRequestStore) Create(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO taxi_requests(request_id, user_id, taxi_stand_id, from_lat, from_lng, to_lat, to_lng, estimated_fare, request_time, status)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.RequestID, r.UserID, r.TaxiStandID, r.From.Lat, r.From.Lng, r.To.Lat, r.To.Lng, r.EstimatedFare, r.RequestTime, r.Status)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresRequestStore) GetByID(ctx context.Context, id string) (*models.RideRequest, error) {
	var r models.RideRequest
	var driverID, driverName, driverPlate sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT request_id, user_id, taxi_stand_id, from_lat, from_lng, to_lat, to_lng, estimated_fare, request_time, status, driver_id, driver_name, driver_plate
		 FROM taxi_requests WHERE request_id=$1`, id).
		Scan(&r.RequestID, &r.UserID, &r.TaxiStandID, &r.From.Lat, &r.From.Lng, &r.To.Lat, &r.To.Lng,
			&r.EstimatedFare, &r.RequestTime, &r.Status, &driverID, &driverName, &driverPlate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.DriverName = driverName.String
	r.DriverPlate = driverPlate.String
	return &r, nil
}

// UpdateStatus is the CAS primitive: the WHERE clause pins the expected
// status, RowsAffected reports whether the transition applied.
func (p *PostgresRequestStore) UpdateStatus(ctx context.Context, id string, expected, next models.RequestStatus, assign *models.Assignment) (bool, error) {
	var res sql.Result
	var err error
	if assign != nil {
		res, err = p.db.ExecContext(ctx,
			`UPDATE taxi_requests SET status=$1, driver_id=$2, driver_name=$3, driver_plate=$4
			 WHERE request_id=$5 AND status=$6`,
			next, assign.DriverID, assign.DriverName, assign.DriverPlate, id, expected)
	} else {
		res, err = p.db.ExecContext(ctx,
			`UPDATE taxi_requests SET status=$1 WHERE request_id=$2 AND status=$3`,
			next, id, expected)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type PostgresDriverStore struct {
	db *sql.DB
}

func NewPostgresDriverStore(db *sql.DB) *PostgresDriverStore {
	return &PostgresDriverStore{db: db}
}

func (p *PostgresDriverStore) Create(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO drivers(id, email, password_hash, taxi_stand_id, taxi_stand_name, driver_name, vehicle_plate, is_online, is_verified, verification_code)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.ID, d.Email, d.PasswordHash, d.TaxiStandID, d.TaxiStandName, d.DriverName, d.VehiclePlate, d.Online, d.Verified, d.VerificationCode)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresDriverStore) GetByID(ctx context.Context, id string) (*models.Driver, error) {
	return p.getDriver(ctx, `WHERE id=$1`, id)
}

func (p *PostgresDriverStore) GetByEmail(ctx context.Context, email string) (*models.Driver, error) {
	return p.getDriver(ctx, `WHERE lower(email)=lower($1)`, email)
}

func (p *PostgresDriverStore) getDriver(ctx context.Context, where string, arg any) (*models.Driver, error) {
	var d models.Driver
	var connID, code sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, taxi_stand_id, taxi_stand_name, driver_name, vehicle_plate, connection_id, is_online, is_verified, verification_code
		 FROM drivers `+where, arg).
		Scan(&d.ID, &d.Email, &d.PasswordHash, &d.TaxiStandID, &d.TaxiStandName, &d.DriverName, &d.VehiclePlate,
			&connID, &d.Online, &d.Verified, &code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.ConnectionID = connID.String
	d.VerificationCode = code.String
	return &d, nil
}

func (p *PostgresDriverStore) Update(ctx context.Context, d *models.Driver) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET email=$1, password_hash=$2, taxi_stand_id=$3, taxi_stand_name=$4, driver_name=$5, vehicle_plate=$6, is_verified=$7, verification_code=$8
		 WHERE id=$9`,
		d.Email, d.PasswordHash, d.TaxiStandID, d.TaxiStandName, d.DriverName, d.VehiclePlate, d.Verified, nullable(d.VerificationCode), d.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresDriverStore) SetOnline(ctx context.Context, id string, online bool, handleToken string) error {
	token := sql.NullString{String: handleToken, Valid: online && handleToken != ""}
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET is_online=$1, connection_id=$2 WHERE id=$3`, online, token, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresDriverStore) ListOnlineByStand(ctx context.Context, standID string) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, email, password_hash, taxi_stand_id, taxi_stand_name, driver_name, vehicle_plate, connection_id, is_online, is_verified, verification_code
		 FROM drivers WHERE taxi_stand_id=$1 AND is_online`, standID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		var d models.Driver
		var connID, code sql.NullString
		if err := rows.Scan(&d.ID, &d.Email, &d.PasswordHash, &d.TaxiStandID, &d.TaxiStandName, &d.DriverName,
			&d.VehiclePlate, &connID, &d.Online, &d.Verified, &code); err != nil {
			return nil, err
		}
		d.ConnectionID = connID.String
		d.VerificationCode = code.String
		out = append(out, d)
	}
	return out, rows.Err()
}

type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (p *PostgresUserStore) Create(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users(id, email, password_hash, full_name, phone_number, is_verified, verification_code)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Email, u.PasswordHash, u.FullName, nullable(u.PhoneNumber), u.Verified, nullable(u.VerificationCode))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresUserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	return p.getUser(ctx, `WHERE id=$1`, id)
}

func (p *PostgresUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return p.getUser(ctx, `WHERE lower(email)=lower($1)`, email)
}

func (p *PostgresUserStore) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	var u models.User
	var phone, code sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, full_name, phone_number, is_verified, verification_code FROM users `+where, arg).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &phone, &u.Verified, &code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.PhoneNumber = phone.String
	u.VerificationCode = code.String
	return &u, nil
}

func (p *PostgresUserStore) Update(ctx context.Context, u *models.User) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET email=$1, password_hash=$2, full_name=$3, phone_number=$4, is_verified=$5, verification_code=$6 WHERE id=$7`,
		u.Email, u.PasswordHash, u.FullName, nullable(u.PhoneNumber), u.Verified, nullable(u.VerificationCode), u.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type PostgresCardStore struct {
	db *sql.DB
}

func NewPostgresCardStore(db *sql.DB) *PostgresCardStore {
	return &PostgresCardStore{db: db}
}

func (p *PostgresCardStore) Create(ctx context.Context, c *models.Card) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO cards(id, user_id, card_code, nickname, balance, added_at) VALUES($1,$2,$3,$4,$5,$6)`,
		c.ID, c.UserID, c.CardCode, nullable(c.Nickname), c.Balance, c.AddedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresCardStore) GetByCode(ctx context.Context, code string) (*models.Card, error) {
	var c models.Card
	var nick sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, card_code, nickname, balance, added_at FROM cards WHERE upper(card_code)=upper($1)`, code).
		Scan(&c.ID, &c.UserID, &c.CardCode, &nick, &c.Balance, &c.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Nickname = nick.String
	return &c, nil
}

func (p *PostgresCardStore) ListByUser(ctx context.Context, userID string) ([]models.Card, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, card_code, nickname, balance, added_at FROM cards WHERE user_id=$1 ORDER BY added_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Card
	for rows.Next() {
		var c models.Card
		var nick sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.CardCode, &nick, &c.Balance, &c.AddedAt); err != nil {
			return nil, err
		}
		c.Nickname = nick.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresCardStore) Delete(ctx context.Context, cardID, userID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM cards WHERE id=$1 AND user_id=$2`, cardID, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Adjust debits or credits a card balance as one conditional update; the
// WHERE clause rejects debits that would go negative, same discipline as
// the request status CAS.
func (p *PostgresCardStore) Adjust(ctx context.Context, code string, delta int64, kind string) (*models.Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var txn models.Transaction
	txn.ID = uuid.NewString()
	txn.Amount = delta
	txn.Kind = kind
	txn.CreatedAt = time.Now().UTC()

	err = tx.QueryRowContext(ctx,
		`UPDATE cards SET balance = balance + $1
		 WHERE upper(card_code)=upper($2) AND balance + $1 >= 0
		 RETURNING id, balance - $1, balance`,
		delta, code).Scan(&txn.CardID, &txn.OldBalance, &txn.NewBalance)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the card is unknown or the debit would overdraw it.
		if _, lookupErr := p.GetByCode(ctx, code); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, ErrInsufficient
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions(id, card_id, amount, kind, old_balance, new_balance, created_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		txn.ID, txn.CardID, txn.Amount, txn.Kind, txn.OldBalance, txn.NewBalance, txn.CreatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &txn, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
