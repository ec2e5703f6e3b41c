package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsFromFS_Embedded(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("embedded migrations must load: %v", err)
	}

	want := []struct {
		name  string
		table string
	}{
		{name: "catalog", table: "products"},
		{name: "orders", table: "orders"},
		{name: "outbox_timeline", table: "outbox"},
		{name: "idempotency_keys", table: "idempotency_keys"},
	}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, w := range want {
		m := migrations[i]
		if m.Version != int64(i+1) || m.Name != w.name {
			t.Errorf("migration %d: got %04d_%s, want %04d_%s", i, m.Version, m.Name, i+1, w.name)
		}
		if !strings.Contains(m.UpSQL, w.table) {
			t.Errorf("migration %s does not mention %s", w.name, w.table)
		}
		if !strings.Contains(strings.ToUpper(m.DownSQL), "DROP") {
			t.Errorf("migration %s down must drop what up created", w.name)
		}
	}
}

func TestLoadMigrationsFromFS_OrdersByVersion(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0010_seller_payouts.up.sql":   {Data: []byte("CREATE TABLE seller_payouts (id TEXT PRIMARY KEY);")},
		"sql/migrations/0010_seller_payouts.down.sql": {Data: []byte("DROP TABLE IF EXISTS seller_payouts;")},
		"sql/migrations/0002_orders.up.sql":           {Data: []byte("CREATE TABLE orders (id TEXT PRIMARY KEY);")},
		"sql/migrations/0002_orders.down.sql":         {Data: []byte("DROP TABLE IF EXISTS orders;")},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "orders" || migrations[1].Version != 10 {
		t.Fatalf("unexpected order: %+v", migrations)
	}
	if migrations[1].UpSQL != "CREATE TABLE seller_payouts (id TEXT PRIMARY KEY);" {
		t.Fatalf("unexpected up body %q", migrations[1].UpSQL)
	}
}

func TestLoadMigrationsFromFS_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr string
	}{
		{
			name:    "no files",
			files:   fstest.MapFS{},
			wantErr: "no migration files",
		},
		{
			name: "missing down",
			files: fstest.MapFS{
				"sql/migrations/0001_catalog.up.sql": {Data: []byte("CREATE TABLE products (id TEXT);")},
			},
			wantErr: "both up and down",
		},
		{
			name: "invalid file name",
			files: fstest.MapFS{
				"sql/migrations/catalog.sql": {Data: []byte("SELECT 1;")},
			},
			wantErr: "invalid migration file name",
		},
		{
			name: "empty body",
			files: fstest.MapFS{
				"sql/migrations/0001_catalog.up.sql":   {Data: []byte("   \n")},
				"sql/migrations/0001_catalog.down.sql": {Data: []byte("DROP TABLE IF EXISTS products;")},
			},
			wantErr: "empty",
		},
		{
			name: "name mismatch",
			files: fstest.MapFS{
				"sql/migrations/0002_orders.up.sql":    {Data: []byte("CREATE TABLE orders (id TEXT);")},
				"sql/migrations/0002_carts.down.sql":   {Data: []byte("DROP TABLE IF EXISTS carts;")},
				"sql/migrations/0001_catalog.up.sql":   {Data: []byte("CREATE TABLE products (id TEXT);")},
				"sql/migrations/0001_catalog.down.sql": {Data: []byte("DROP TABLE IF EXISTS products;")},
			},
			wantErr: "name mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := loadMigrationsFromFS(tt.files)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q in error, got %v", tt.wantErr, err)
			}
		})
	}
}

func marketplaceMigrations() []migration {
	return []migration{
		{Version: 1, Name: "catalog", UpSQL: "up", DownSQL: "down"},
		{Version: 2, Name: "orders", UpSQL: "up", DownSQL: "down"},
		{Version: 3, Name: "outbox_timeline", UpSQL: "up", DownSQL: "down"},
		{Version: 4, Name: "idempotency_keys", UpSQL: "up", DownSQL: "down"},
	}
}

func labels(plan []migration) []string {
	out := make([]string, 0, len(plan))
	for _, m := range plan {
		out = append(out, m.label())
	}
	return out
}

func TestPlanMigrations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		applied   map[int64]bool
		direction migrationDirection
		steps     int
		want      []string
	}{
		{name: "up all on empty schema", applied: map[int64]bool{}, direction: migrationUp, want: []string{"0001_catalog", "0002_orders", "0003_outbox_timeline", "0004_idempotency_keys"}},
		{name: "up one step", applied: map[int64]bool{1: true}, direction: migrationUp, steps: 1, want: []string{"0002_orders"}},
		{name: "up fills gap", applied: map[int64]bool{1: true, 3: true}, direction: migrationUp, want: []string{"0002_orders", "0004_idempotency_keys"}},
		{name: "up nothing pending", applied: map[int64]bool{1: true, 2: true, 3: true, 4: true}, direction: migrationUp, want: []string{}},
		{name: "down newest first", applied: map[int64]bool{1: true, 2: true, 3: true}, direction: migrationDown, steps: 2, want: []string{"0003_outbox_timeline", "0002_orders"}},
		{name: "down more than applied", applied: map[int64]bool{1: true}, direction: migrationDown, steps: 10, want: []string{"0001_catalog"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			plan, err := planMigrations(marketplaceMigrations(), tt.applied, tt.direction, tt.steps)
			if err != nil {
				t.Fatalf("planMigrations failed: %v", err)
			}
			got := labels(plan)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("plan %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlanMigrations_UnknownAppliedVersion(t *testing.T) {
	t.Parallel()

	_, err := planMigrations(marketplaceMigrations(), map[int64]bool{9: true}, migrationDown, 1)
	if err == nil || !strings.Contains(err.Error(), "unknown migration version 9") {
		t.Fatalf("expected unknown version error, got %v", err)
	}
}

func TestMigrationState(t *testing.T) {
	t.Parallel()

	state := migrationState(marketplaceMigrations(), map[int64]bool{1: true, 2: true})
	if state.Version != 2 || state.Applied != 2 {
		t.Fatalf("unexpected state %+v", state)
	}
	if strings.Join(state.Pending, ",") != "0003_outbox_timeline,0004_idempotency_keys" {
		t.Fatalf("unexpected pending %v", state.Pending)
	}
}
