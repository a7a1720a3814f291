package filesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	base := "import React from 'react'\n\nexport function App() {\n  return <div />\n}\n"

	tests := []struct {
		name    string
		local   string
		remote  string
		want    string
		wantErr error
	}{
		{
			name:   "only local changed",
			local:  "import React from 'react'\n\nexport function App() {\n  return <main />\n}\n",
			remote: base,
			want:   "import React from 'react'\n\nexport function App() {\n  return <main />\n}\n",
		},
		{
			name:   "only remote changed",
			local:  base,
			remote: "import React from 'react'\n\nexport default function App() {\n  return <div />\n}\n",
			want:   "import React from 'react'\n\nexport default function App() {\n  return <div />\n}\n",
		},
		{
			name:   "disjoint edits combine",
			local:  "import React from 'react'\nimport './app.css'\n\nexport function App() {\n  return <div />\n}\n",
			remote: "import React from 'react'\n\nexport function App() {\n  return <section />\n}\n",
			want:   "import React from 'react'\nimport './app.css'\n\nexport function App() {\n  return <section />\n}\n",
		},
		{
			name:   "identical edits applied once",
			local:  "import React from 'react'\n\nexport function App() {\n  return <p />\n}\n",
			remote: "import React from 'react'\n\nexport function App() {\n  return <p />\n}\n",
			want:   "import React from 'react'\n\nexport function App() {\n  return <p />\n}\n",
		},
		{
			name:   "append on both ends",
			local:  "// header\n" + base,
			remote: base + "// footer\n",
			want:   "// header\n" + base + "// footer\n",
		},
		{
			name:    "same line changed differently",
			local:   "import React from 'react'\n\nexport function App() {\n  return <main />\n}\n",
			remote:  "import React from 'react'\n\nexport function App() {\n  return <aside />\n}\n",
			wantErr: ErrMergeConflict,
		},
		{
			name:    "insertions at the same point",
			local:   "// local\n" + base,
			remote:  "// remote\n" + base,
			wantErr: ErrMergeConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Merge(base, tt.local, tt.remote)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMerge_NoTrailingNewline(t *testing.T) {
	got, err := Merge("a\nb\nc", "A\nb\nc", "a\nb\nC")
	require.NoError(t, err)
	assert.Equal(t, "A\nb\nC", got)
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, splitLines(""))
	assert.Equal(t, []string{"a\n", "b"}, splitLines("a\nb"))
	assert.Equal(t, []string{"a\n", "b\n"}, splitLines("a\nb\n"))
	assert.Equal(t, []string{"\n", "\n"}, splitLines("\n\n"))
}
