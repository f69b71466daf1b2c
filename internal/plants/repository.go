package plants

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/nao1215/plant-analytics/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PowerPlant は1台の発電機の年間データ。
type PowerPlant struct {
	ID            int64   `json:"id"`
	GenID         string  `json:"genId"`
	Year          int     `json:"year"`
	State         string  `json:"state"`
	PlantName     string  `json:"plantName"`
	NetGeneration float64 `json:"netGeneration"`
}

// TopQuery は上位発電所の絞り込み条件。StateとYearはゼロ値の場合に絞り込まない。
type TopQuery struct {
	Limit int
	State string
	Year  int
}

// Repository は発電所データの読み取りを行う。
type Repository interface {
	// Top は正味発電量の多い順に発電所を返す。
	Top(ctx context.Context, q TopQuery) ([]PowerPlant, error)
	// States はデータが存在する州を昇順で返す。
	States(ctx context.Context) ([]string, error)
	// Years はデータが存在する年を降順で返す。
	Years(ctx context.Context) ([]int, error)
	Ping(ctx context.Context) error
}

// SQLiteRepository はSQLiteのegrid_dataテーブルを読むRepository。
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLiteRepository はpathのSQLiteデータベースを開き、マイグレーションを適用する。
func OpenSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := migration.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Top は正味発電量の多い順に発電所を返す。同じ発電量の場合はIDの昇順。
func (r *SQLiteRepository) Top(ctx context.Context, q TopQuery) ([]PowerPlant, error) {
	var (
		where []string
		args  []any
	)
	if q.State != "" {
		where = append(where, "state = ?")
		args = append(args, strings.ToUpper(q.State))
	}
	if q.Year != 0 {
		where = append(where, "year = ?")
		args = append(args, q.Year)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, gen_id, year, state, plant_name, net_generation FROM egrid_data`)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY net_generation DESC, id ASC LIMIT ?")
	args = append(args, q.Limit)

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("発電所データの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	plants := make([]PowerPlant, 0, q.Limit)
	for rows.Next() {
		var p PowerPlant
		if err := rows.Scan(&p.ID, &p.GenID, &p.Year, &p.State, &p.PlantName, &p.NetGeneration); err != nil {
			return nil, fmt.Errorf("発電所データの読み込みに失敗: %w", err)
		}
		plants = append(plants, p)
	}
	return plants, rows.Err()
}

// States はデータが存在する州を昇順で返す。空の州は含めない。
func (r *SQLiteRepository) States(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT state FROM egrid_data WHERE state <> '' ORDER BY state ASC`)
	if err != nil {
		return nil, fmt.Errorf("州の一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("州の読み込みに失敗: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// Years はデータが存在する年を降順で返す。
func (r *SQLiteRepository) Years(ctx context.Context) ([]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT year FROM egrid_data WHERE year > 0 ORDER BY year DESC`)
	if err != nil {
		return nil, fmt.Errorf("年の一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	years := []int{}
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, fmt.Errorf("年の読み込みに失敗: %w", err)
		}
		years = append(years, y)
	}
	return years, rows.Err()
}

// Insert は発電所データをまとめて保存する。IDは採番された値で上書きする。
func (r *SQLiteRepository) Insert(ctx context.Context, plants []PowerPlant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO egrid_data (gen_id, year, state, plant_name, net_generation) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("INSERT文の準備に失敗: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range plants {
		p := &plants[i]
		res, err := stmt.ExecContext(ctx, p.GenID, p.Year, strings.ToUpper(p.State), p.PlantName, p.NetGeneration)
		if err != nil {
			return fmt.Errorf("発電所データの保存に失敗: %w", err)
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("IDの取得に失敗: %w", err)
		}
	}
	return tx.Commit()
}
