package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (v text);\ninsert into b values ('x;y');")},
		"0002_b.down.sql": {Data: []byte("drop table b;")},
		"README.md":       {Data: []byte("not sql")},
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into b values").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := NewManager(db, WithFiles(testFiles())).Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.up.sql" {
		t.Fatalf("applied = %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err = NewManager(db, WithFiles(testFiles())).Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("expected failure naming the migration, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRevertsLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists audit_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from audit_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql").AddRow("0002_b.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from audit_migrations").WithArgs("0002_b.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))

	m := NewManager(db, WithFiles(testFiles()), WithMigrationsTable("audit_migrations"))
	name, err := m.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0002_b.up.sql" {
		t.Fatalf("reverted %s", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if _, err := NewManager(db, WithFiles(testFiles())).Down(context.Background()); !errors.Is(err, ErrNoMigrations) {
		t.Fatalf("Down = %v", err)
	}
}

func TestSplitStatementsHonoursQuoting(t *testing.T) {
	sql := `create function f() returns trigger as $$
begin
    raise exception 'no; way';
end;
$$ language plpgsql;
insert into t values ('a;b');`
	stmts := splitStatements(sql)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "end;") || !strings.HasSuffix(strings.TrimSpace(stmts[1]), "('a;b');") {
		t.Fatalf("statements split inside quotes: %q", stmts)
	}
}

func TestEmbeddedSchema(t *testing.T) {
	names, err := collectSQL(Files(), ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_security_events.up.sql" {
		t.Fatalf("embedded migrations = %v", names)
	}
	for _, name := range names {
		down := strings.TrimSuffix(name, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Files(), down); err != nil {
			t.Fatalf("%s has no down migration", name)
		}
	}
	body, _ := fs.ReadFile(Files(), names[0])
	if !strings.Contains(string(body), "security_events") {
		t.Fatalf("schema does not create security_events")
	}
}
