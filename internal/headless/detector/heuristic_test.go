package detector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/linkwalk/internal/crawl"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := crawl.FetchOutcome{
		StatusCode: 200,
		Body:       []byte(""),
	}
	require.True(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := crawl.FetchOutcome{
		StatusCode: 200,
		Body:       []byte(`<div id="__next"></div>`),
	}
	require.True(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	probe := crawl.FetchOutcome{
		StatusCode: 200,
		Body:       []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	}
	require.True(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := crawl.FetchOutcome{
		StatusCode: 404,
		Body:       []byte("not found"),
	}
	require.False(t, h.ShouldPromote(probe))
}

func TestHeuristic_ShouldPromote_SkipsRenderedProbe(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	probe := crawl.FetchOutcome{
		StatusCode: 200,
		Body:       []byte(""),
		Rendered:   true,
	}
	require.False(t, h.ShouldPromote(probe))
}
