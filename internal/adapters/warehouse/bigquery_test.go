package warehouse

import (
	"bufio"
	"encoding/json"
	"testing"

	"google.golang.org/api/googleapi"

	"rangefeed/internal/services/extract/domain"
)

func TestEncodeNDJSONProducesOneLinePerRecord(t *testing.T) {
	records := []domain.Record{
		{"id": "a", "count": float64(1)},
		{"id": "b", "count": float64(2)},
	}
	buf, err := encodeNDJSON(records)
	if err != nil {
		t.Fatal(err)
	}

	sc := bufio.NewScanner(buf)
	var got []domain.Record
	for sc.Scan() {
		var r domain.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatal(err)
		}
		got = append(got, r)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d", len(got))
	}
	if got[0]["id"] != "a" || got[1]["id"] != "b" {
		t.Fatalf("expected records decoded in order, got %#v", got)
	}
}

func TestIsAlreadyExistsMatches409(t *testing.T) {
	if !isAlreadyExists(&googleapi.Error{Code: 409}) {
		t.Fatal("expected 409 to be treated as already-exists")
	}
	if isAlreadyExists(&googleapi.Error{Code: 500}) {
		t.Fatal("expected 500 not to be treated as already-exists")
	}
	if isAlreadyExists(nil) {
		t.Fatal("expected nil error to not match")
	}
}

func TestIsNotFoundMatches404(t *testing.T) {
	if !isNotFound(&googleapi.Error{Code: 404}) {
		t.Fatal("expected 404 to be treated as not-found")
	}
	if isNotFound(&googleapi.Error{Code: 403}) {
		t.Fatal("expected 403 not to be treated as not-found")
	}
}
