package query

import "testing"

func rowsOf(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{i}
	}
	return rows
}

func TestPaginate(t *testing.T) {
	cases := []struct {
		name      string
		total     int
		page      int
		pageSize  int
		wantFirst int
		wantRows  int
		wantPages int
	}{
		{name: "second page", total: 100, page: 2, pageSize: 10, wantFirst: 10, wantRows: 10, wantPages: 10},
		{name: "exact fit", total: 20, page: 2, pageSize: 10, wantFirst: 10, wantRows: 10, wantPages: 2},
		{name: "partial last page", total: 25, page: 3, pageSize: 10, wantFirst: 20, wantRows: 5, wantPages: 3},
		{name: "past the end", total: 100, page: 11, pageSize: 10, wantFirst: -1, wantRows: 0, wantPages: 10},
		{name: "empty", total: 0, page: 1, pageSize: 10, wantFirst: -1, wantRows: 0, wantPages: 0},
		{name: "page defaults to one", total: 5, page: 0, pageSize: 2, wantFirst: 0, wantRows: 2, wantPages: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Paginate(Result{Columns: []string{"n"}, Rows: rowsOf(tc.total)}, tc.page, tc.pageSize)
			if len(got.Rows) != tc.wantRows {
				t.Fatalf("Paginate() rows = %d, want %d", len(got.Rows), tc.wantRows)
			}
			if got.TotalPages != tc.wantPages || got.TotalRows != tc.total {
				t.Fatalf("Paginate() pages = %d total = %d, want %d and %d", got.TotalPages, got.TotalRows, tc.wantPages, tc.total)
			}
			if tc.wantFirst >= 0 && got.Rows[0][0] != tc.wantFirst {
				t.Fatalf("Paginate() first row = %v, want %d", got.Rows[0][0], tc.wantFirst)
			}
			if got.Rows == nil {
				t.Fatal("Paginate() rows must be non-nil")
			}
		})
	}
}

func TestPaginateWithoutPageSizeReturnsEverything(t *testing.T) {
	got := Paginate(Result{Rows: rowsOf(7), Truncated: true}, 1, 0)
	if len(got.Rows) != 7 || got.TotalPages != 1 || !got.Truncated {
		t.Fatalf("Paginate() = %+v", got)
	}
}
