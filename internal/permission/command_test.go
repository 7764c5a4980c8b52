package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCommands(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Command
	}{
		{
			name:  "simple",
			input: "ls -la",
			want:  []Command{{Name: "ls", Args: []string{"-la"}}},
		},
		{
			name:  "subcommand",
			input: "git commit -m message",
			want:  []Command{{Name: "git", Subcommand: "commit", Args: []string{"commit", "-m", "message"}}},
		},
		{
			name:  "and chain",
			input: "go build ./... && go test ./...",
			want: []Command{
				{Name: "go", Subcommand: "build", Args: []string{"build", "./..."}},
				{Name: "go", Subcommand: "test", Args: []string{"test", "./..."}},
			},
		},
		{
			name:  "pipe",
			input: "cat foo.txt | grep bar",
			want: []Command{
				{Name: "cat", Subcommand: "foo.txt", Args: []string{"foo.txt"}},
				{Name: "grep", Subcommand: "bar", Args: []string{"bar"}},
			},
		},
		{
			name:  "env prefix dropped",
			input: "FOO=bar CGO_ENABLED=0 go build",
			want:  []Command{{Name: "go", Subcommand: "build", Args: []string{"build"}}},
		},
		{
			name:  "quoted connective not split",
			input: `echo "a && b"`,
			want:  []Command{{Name: "echo", Subcommand: "a && b", Args: []string{"a && b"}}},
		},
		{
			name:  "empty",
			input: "   ",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitCommands(tt.input))
		})
	}
}

func TestCommandPattern(t *testing.T) {
	cmds := SplitCommands("git commit -m x")
	require.Len(t, cmds, 1)
	assert.Equal(t, "git commit *", cmds[0].Pattern())

	cmds = SplitCommands("ls -la")
	require.Len(t, cmds, 1)
	assert.Equal(t, "ls *", cmds[0].Pattern())
}

func TestMatchesPattern(t *testing.T) {
	commit := SplitCommands("git commit -m x")[0]
	push := SplitCommands("git push origin main")[0]
	bare := SplitCommands("ls")[0]

	assert.True(t, commit.MatchesPattern("*"))
	assert.True(t, commit.MatchesPattern("git *"))
	assert.True(t, commit.MatchesPattern("git commit *"))
	assert.False(t, commit.MatchesPattern("git push *"))
	assert.False(t, push.MatchesPattern("git commit *"))
	assert.True(t, push.MatchesPattern("git *"))

	assert.True(t, bare.MatchesPattern("ls"))
	assert.True(t, bare.MatchesPattern("ls *"))
	assert.False(t, bare.MatchesPattern("cat"))
}
