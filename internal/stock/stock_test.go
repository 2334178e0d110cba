package stock

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Seringa 10ml":           "seringa_10ml",
		"  Luvas, Tam. M  ":      "luvas_tam_m",
		"Álcool 70%":             "alcool_70%",
		"gaze/esteril":           "gaze_esteril",
		"ponta\\azul: 200ul;":    "ponta_azul_200ul",
		"":                       "",
		"seringa_10ml":           "seringa_10ml",
		"Tubo   de  Coleta EDTA": "tubo_de_coleta_edta",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeKey(in), "NormalizeKey(%q)", in)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	t.Parallel()

	levels := []Level{{Name: "Seringa 10ml", Quantity: 3}}
	snap := NewSnapshot(levels, time.Now())
	levels[0].Quantity = 99

	got, ok := snap.Lookup("seringa 10ml")
	require.True(t, ok)
	assert.Equal(t, 3, got.Quantity)
	assert.Equal(t, "seringa_10ml", got.Key)

	keys := snap.Keys()
	keys[0] = "mutated"
	assert.Equal(t, []string{"seringa_10ml"}, snap.Keys())
}

func TestFormatContext(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot([]Level{{Key: "gaze", Name: "Gaze", Quantity: 4, Category: "Curativos"}}, time.Now())
	ctx := FormatContext(snap)
	assert.Contains(t, ctx, "• gaze: Gaze")
	assert.Contains(t, ctx, "Quantidade atual: 4 unidade(s)")
	assert.Contains(t, ctx, "Categoria: Curativos")
}

func TestFileSourceJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "estoque.json")
	content := `{
  "estoque": {
    "seringa_10ml": {"nome_completo": "Seringa 10ml", "quantidade_atual": 12, "categoria": "Descartáveis"},
    "luva_m": {"quantidade_atual": 3, "limite_baixo": 10, "limite_critico": 2}
  },
  "ultima_atualizacao": "2024-05-01T10:00:00"
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	snap, err := NewFileSource(path, Thresholds{Low: 20, Critical: 5}).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snap.Len())

	seringa, ok := snap.Get("seringa_10ml")
	require.True(t, ok)
	assert.Equal(t, 12, seringa.Quantity)
	assert.Equal(t, 20, seringa.LowThreshold)
	assert.Equal(t, 5, seringa.CriticalThreshold)
	assert.Equal(t, "Descartáveis", seringa.Category)

	luva, ok := snap.Get("luva_m")
	require.True(t, ok)
	assert.Equal(t, 10, luva.LowThreshold)
	assert.Equal(t, 2, luva.CriticalThreshold)
}

func TestFileSourceKeepsZeroThresholds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "estoque.yaml")
	content := `estoque:
  bisturi:
    quantidade_atual: 4
    limite_baixo: 0
    limite_critico: 0
  gaze:
    quantidade_atual: 4
    limite_critico: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	snap, err := NewFileSource(path, Thresholds{Low: 20, Critical: 5}).Load(context.Background())
	require.NoError(t, err)

	bisturi, ok := snap.Get("bisturi")
	require.True(t, ok)
	assert.Equal(t, 0, bisturi.LowThreshold)
	assert.Equal(t, 0, bisturi.CriticalThreshold)

	gaze, ok := snap.Get("gaze")
	require.True(t, ok)
	assert.Equal(t, 20, gaze.LowThreshold)
	assert.Equal(t, 0, gaze.CriticalThreshold)
}

func TestFileSourceYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "estoque.yaml")
	content := `estoque:
  gaze_esteril:
    nome_completo: Gaze Estéril
    quantidade_atual: 40
    categoria: Curativos
ultima_atualizacao: "2024-05-01"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	snap, err := NewFileSource(path, DefaultThresholds()).Load(context.Background())
	require.NoError(t, err)

	gaze, ok := snap.Get("gaze_esteril")
	require.True(t, ok)
	assert.Equal(t, "Gaze Estéril", gaze.Name)
	assert.Equal(t, 40, gaze.Quantity)
	assert.Equal(t, []string{"gaze_esteril"}, gaze.Aliases)
}

func TestFileSourceMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.json"), DefaultThresholds()).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestHTTPSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": 1, "name": "Seringa 10ml", "quantity": 7, "categoryName": "Descartáveis"},
			{"id": "abc", "name": "Luva M", "quantity": 0}]`))
	}))
	defer srv.Close()

	snap, err := NewHTTPSource(srv.URL+"/", time.Second, DefaultThresholds()).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, snap.Len())

	seringa, ok := snap.Get("seringa_10ml")
	require.True(t, ok)
	assert.Equal(t, 7, seringa.Quantity)
	assert.Equal(t, "Descartáveis", seringa.Category)
}

func TestHTTPSourceErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, time.Second, DefaultThresholds()).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestStaticSourceSwap(t *testing.T) {
	t.Parallel()

	src := NewStaticSource(Level{Key: "seringa_10ml", Quantity: 10})
	first, err := src.Load(context.Background())
	require.NoError(t, err)

	src.Set(Level{Key: "seringa_10ml", Quantity: 2})
	second, err := src.Load(context.Background())
	require.NoError(t, err)

	a, _ := first.Get("seringa_10ml")
	b, _ := second.Get("seringa_10ml")
	assert.Equal(t, 10, a.Quantity)
	assert.Equal(t, 2, b.Quantity)
	assert.Equal(t, 20, b.LowThreshold)

	src.Fail(errors.New("down"))
	_, err = src.Load(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
