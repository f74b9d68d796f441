package domain

// Template resolves a workspace template tag to its container settings.
type Template struct {
	Name       string
	Image      string
	Env        []string
	WorkingDir string
}

const sandboxImage = "codercom/code-server:latest"

var templates = map[string]Template{
	"next": {
		Name:       "next",
		Image:      sandboxImage,
		Env:        []string{"NEXT_TELEMETRY_DISABLED=1"},
		WorkingDir: "/home/coder/project",
	},
	"node": {
		Name:       "node",
		Image:      sandboxImage,
		Env:        []string{"NODE_ENV=development"},
		WorkingDir: "/home/coder/project",
	},
	"python": {
		Name:       "python",
		Image:      sandboxImage,
		Env:        []string{"PYTHONPATH=/home/coder/project"},
		WorkingDir: "/home/coder/project",
	},
	"rust": {
		Name:       "rust",
		Image:      sandboxImage,
		Env:        []string{"CARGO_HOME=/home/coder/.cargo"},
		WorkingDir: "/home/coder/project",
	},
	"react": {
		Name:       "react",
		Image:      sandboxImage,
		Env:        []string{"FAST_REFRESH=true"},
		WorkingDir: "/home/coder/project",
	},
	"vue": {
		Name:       "vue",
		Image:      sandboxImage,
		Env:        []string{"VUE_CLI_TELEMETRY_DISABLED=1"},
		WorkingDir: "/home/coder/project",
	},
	"angular": {
		Name:       "angular",
		Image:      sandboxImage,
		Env:        []string{"NG_CLI_ANALYTICS=false"},
		WorkingDir: "/home/coder/project",
	},
}

// TemplateByName looks up a workspace template.
func TemplateByName(name string) (Template, bool) {
	tpl, ok := templates[name]
	return tpl, ok
}

// TemplateNames lists known template tags.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	return names
}
