package segment

import (
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "simple",
			text: "Hello world. This is a test. How are you?",
			want: []string{"Hello world.", "This is a test.", "How are you?"},
		},
		{
			name: "abbreviations",
			text: "Dr. Smith works at Acme Inc. in the U.S. today. He likes it.",
			want: []string{"Dr. Smith works at Acme Inc. in the U.S. today.", "He likes it."},
		},
		{
			name: "decimal",
			text: "The value is 3.14 exactly. Next one.",
			want: []string{"The value is 3.14 exactly.", "Next one."},
		},
		{
			name: "ellipsis",
			text: "Wait... What happened? Nothing!",
			want: []string{"Wait... What happened?", "Nothing!"},
		},
		{
			name: "quotes",
			text: `She said "Go home." Then she left.`,
			want: []string{`She said "Go home."`, "Then she left."},
		},
		{
			name: "lowercase continuation",
			text: "See fig. three for details.",
			want: []string{"See fig. three for details."},
		},
		{
			name: "no punctuation",
			text: "just some words",
			want: []string{"just some words"},
		},
		{
			name: "empty",
			text: "  \n\n ",
			want: nil,
		},
		{
			name: "wrapped lines join",
			text: "This sentence is\nwrapped over lines. Second.",
			want: []string{"This sentence is wrapped over lines.", "Second."},
		},
	}

	s := NewSplitter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Split(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplit_Markdown(t *testing.T) {
	md := "# Chapter One\n\nIt was **dark** and [stormy](http://x.y). The end.\n\n" +
		"```go\nfmt.Println(\"skip me.\")\n```\n\n" +
		"- first item\n- second item\n\n> Quoted text here."

	got := NewSplitter().Split(md)
	want := []string{
		"Chapter One",
		"It was dark and stormy.",
		"The end.",
		"first item",
		"second item",
		"Quoted text here.",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split() = %q, want %q", got, want)
	}
}

func TestSplit_PlainText(t *testing.T) {
	s := NewSplitter()
	s.Markdown = false

	got := s.Split("# Not a heading. Kept **as is**.")
	want := []string{"# Not a heading.", "Kept **as is**."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split() = %q, want %q", got, want)
	}
}

func TestSplit_MinLength(t *testing.T) {
	s := NewSplitter()
	s.MinLength = 5

	got := s.Split("Hi. This one stays.")
	want := []string{"This one stays."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split() = %q, want %q", got, want)
	}
}
