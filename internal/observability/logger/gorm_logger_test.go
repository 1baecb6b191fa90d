package logger

import "testing"

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		`SELECT * FROM "users" WHERE user_id = $1`:                     "SELECT",
		`INSERT INTO "countries" ("code") VALUES ($1) ON CONFLICT DO UPDATE`: "INSERT",
		`WITH ranked AS (SELECT 1) DELETE FROM countries`:               "SELECT",
		`  `: "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}

func TestTableFromSQL(t *testing.T) {
	cases := map[string]string{
		`SELECT * FROM "users" WHERE user_id = $1`:  "users",
		"INSERT INTO `countries` (`code`) VALUES (?)": "countries",
		`UPDATE countries SET name = $1`:             "countries",
		`SELECT 1`:                                   "",
	}
	for sql, want := range cases {
		if got := tableFromSQL(sql); got != want {
			t.Fatalf("tableFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}
