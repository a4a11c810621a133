package evidence

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/quorum-eval/assessor/internal/testutil"
)

func newReplayClient(t *testing.T) *GoogleSearch {
	t.Helper()
	return NewGoogleSearch(Config{
		APIKey:     "test-key",
		CX:         "test-cx",
		HTTPClient: testutil.NewRecorder(t, "custom_search", "key"),
	})
}

func TestGoogleSearch_Replay(t *testing.T) {
	s := newReplayClient(t)

	got, err := s.Search(context.Background(), "Helsinki is the capital of Finland", 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	want := []Result{
		{Title: "Helsinki - Wikipedia", Link: "https://en.wikipedia.org/wiki/Helsinki", Snippet: "Helsinki is the capital and most populous city in Finland."},
		{Title: "City of Helsinki", Link: "https://www.hel.fi/en", Snippet: "Official website of the City of Helsinki."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Search(context.Background(), "quota check", 2)
	if err == nil || !strings.Contains(err.Error(), "status 429") || !strings.Contains(err.Error(), "Quota exceeded") {
		t.Errorf("expected quota error, got %v", err)
	}
}

func TestGoogleSearch_NotConfigured(t *testing.T) {
	s := NewGoogleSearch(Config{APIKey: "k"})
	if s.Configured() {
		t.Fatal("missing CX must not count as configured")
	}
	if _, err := s.Search(context.Background(), "x", 1); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Search() error = %v, want ErrNotConfigured", err)
	}
	if got := ErrNotConfigured.Error(); got != "search api key or cx id missing" {
		t.Errorf("ErrNotConfigured = %q", got)
	}
}

func TestClaims(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name: "hypotheses in order",
			text: "```json\n" + `{"hypoteesit": [
				{"id": "H1", "vaite_teksti": "Väite yksi"},
				{"id": "H2", "vaite_teksti": "  "},
				{"id": "H3", "vaite": "Väite kolme"},
				"Väite neljä"
			], "rag_todisteet": []}` + "\n```",
			want: []string{"Väite yksi", "Väite kolme", "Väite neljä"},
		},
		{
			name:  "limit",
			text:  `{"hypoteesit": [{"vaite_teksti": "a"}, {"vaite_teksti": "b"}, {"vaite_teksti": "c"}]}`,
			limit: 2,
			want:  []string{"a", "b"},
		},
		{name: "no object", text: "not json", want: nil},
		{name: "no hypotheses", text: `{"rag_todisteet": []}`, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Claims(tt.text, tt.limit)); diff != "" {
				t.Errorf("Claims() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeSearcher map[string][]Result

func (f fakeSearcher) Search(_ context.Context, query string, _ int) ([]Result, error) {
	r, ok := f[query]
	if !ok {
		return nil, errors.New("boom")
	}
	return r, nil
}

func TestLookup(t *testing.T) {
	s := fakeSearcher{
		"found": {{Title: "T", Link: "https://l", Snippet: "S"}},
		"empty": nil,
	}
	got := Lookup(context.Background(), s, []string{"found", "empty", "broken"}, 3, nil)

	for _, want := range []string{
		Header,
		"VÄITE: found\n- T (https://l): S",
		"VÄITE: empty\nEi hakutuloksia.",
		"VÄITE: broken\nVirhe Google-haussa: boom",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Lookup() missing %q:\n%s", want, got)
		}
	}

	if got := Lookup(context.Background(), s, nil, 3, nil); got != "" {
		t.Errorf("no claims must yield empty text, got %q", got)
	}
}

func TestLookup_TransportErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(nil)
	endpoint := srv.URL + "/customsearch"
	srv.Close()

	s := NewGoogleSearch(Config{APIKey: "SECRET-KEY-123", CX: "cx", Endpoint: endpoint})
	_, err := s.Search(context.Background(), "claim", 1)
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if strings.Contains(err.Error(), "SECRET-KEY-123") {
		t.Errorf("Search() error leaks the key: %v", err)
	}

	got := Lookup(context.Background(), s, []string{"claim"}, 1, nil)
	if !strings.Contains(got, "Virhe Google-haussa:") {
		t.Errorf("Lookup() missing the inline error:\n%s", got)
	}
	if strings.Contains(got, "SECRET-KEY-123") || strings.Contains(got, "key=") {
		t.Errorf("Lookup() leaks the key:\n%s", got)
	}
}
