package sqlutil

import "testing"

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{
			name:    "sqlite passthrough",
			dialect: SQLite,
			in:      "SELECT 1 WHERE a = ? AND b IN (?, ?)",
			want:    "SELECT 1 WHERE a = ? AND b IN (?, ?)",
		},
		{
			name:    "postgres numbering",
			dialect: Postgres,
			in:      "SELECT 1 WHERE a = ? AND b IN (?, ?)",
			want:    "SELECT 1 WHERE a = $1 AND b IN ($2, $3)",
		},
		{
			name:    "postgres no placeholders",
			dialect: Postgres,
			in:      "SELECT 1",
			want:    "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.Rebind(tt.in); got != tt.want {
				t.Fatalf("Rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDialectForDriver(t *testing.T) {
	if DialectForDriver("pgx") != Postgres {
		t.Fatal("pgx should map to Postgres")
	}
	if DialectForDriver("postgres") != Postgres {
		t.Fatal("postgres should map to Postgres")
	}
	if DialectForDriver("sqlite3") != SQLite {
		t.Fatal("sqlite3 should map to SQLite")
	}
}

func TestInList(t *testing.T) {
	if got := InList(1); got != "(?)" {
		t.Fatalf("InList(1) = %q", got)
	}
	if got := InList(3); got != "(?, ?, ?)" {
		t.Fatalf("InList(3) = %q", got)
	}
}
