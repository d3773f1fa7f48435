// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package intervene

import (
	"strings"
	"testing"

	"github.com/XIADENGMA/ai-intervention-agent/media"
	"github.com/XIADENGMA/ai-intervention-agent/queue"
	"github.com/google/go-cmp/cmp"
)

func TestNormalize(t *testing.T) {
	img := media.Image{Name: "a.png", Data: []byte{1, 2, 3}, MIME: "image/png"}
	tests := []struct {
		name string
		res  *queue.Result
		want []Content
	}{
		{"TextOnly",
			&queue.Result{Text: "hello"},
			[]Content{textContent("User input: hello")}},
		{"OptionsOnly",
			&queue.Result{Options: []string{"a", "b"}},
			[]Content{textContent("Selected options: a, b")}},
		{"Both",
			&queue.Result{Text: "more", Options: []string{"a"}},
			[]Content{textContent("Selected options: a\n\nUser input: more")}},
		{"Empty",
			&queue.Result{},
			[]Content{textContent("No feedback provided.")}},
		{"Synthesized",
			&queue.Result{Text: "go on", Synthesized: true},
			[]Content{textContent("go on")}},
		{"Canceled",
			&queue.Result{Text: "wrap up", Canceled: true},
			[]Content{textContent("wrap up")}},
		{"WithImage",
			&queue.Result{Text: "see attached", Images: []media.Image{img}},
			[]Content{textContent("User input: see attached"), imageContent(img)}},
		{"ImageOnly",
			&queue.Result{Images: []media.Image{img}},
			[]Content{imageContent(img)}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if diff := cmp.Diff(test.want, normalize(test.res)); diff != "" {
				t.Errorf("normalize (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  string
	}{
		{"", 5, ""},
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"overlong", 4, "over..."},
		{"héllo wörld", 5, "héllo..."},
	}
	for _, test := range tests {
		if got := truncateRunes(test.input, test.max); got != test.want {
			t.Errorf("truncateRunes(%q, %d): got %q, want %q", test.input, test.max, got, test.want)
		}
	}
}

func TestTruncateRunesKeepsRuneBoundaries(t *testing.T) {
	s := strings.Repeat("汉", 20)
	got := truncateRunes(s, 10)
	want := strings.Repeat("汉", 10) + "..."
	if got != want {
		t.Errorf("truncateRunes: got %q, want %q", got, want)
	}
}
