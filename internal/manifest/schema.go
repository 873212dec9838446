package manifest

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes the top-level blocks of a manifest.
type fileRoot struct {
	Dependencies []*dependencyBlock `hcl:"dependency,block"`
	Artifacts    []*artifactBlock   `hcl:"artifact,block"`
	Generators   []*generateBlock   `hcl:"generate,block"`
	Remain       hcl.Body           `hcl:",remain"`
}

type dependencyBlock struct {
	Name      string         `hcl:"name,label"`
	URL       hcl.Expression `hcl:"url"`
	Revision  hcl.Expression `hcl:"revision,optional"`
	Path      hcl.Expression `hcl:"path"`
	Shallow   hcl.Expression `hcl:"shallow,optional"`
	NoGitEnv  hcl.Expression `hcl:"no_git_env,optional"`
	DependsOn []string       `hcl:"depends_on,optional"`
}

type artifactBlock struct {
	Name      string         `hcl:"name,label"`
	Project   hcl.Expression `hcl:"project,optional"`
	Version   hcl.Expression `hcl:"version"`
	Target    hcl.Expression `hcl:"target,optional"`
	Optimize  hcl.Expression `hcl:"optimize,optional"`
	URL       hcl.Expression `hcl:"url,optional"`
	DependsOn []string       `hcl:"depends_on,optional"`
}

type generateBlock struct {
	Name      string         `hcl:"name,label"`
	Command   hcl.Expression `hcl:"command"`
	Args      hcl.Expression `hcl:"args,optional"`
	Dir       hcl.Expression `hcl:"dir,optional"`
	Inputs    hcl.Expression `hcl:"inputs,optional"`
	Outputs   hcl.Expression `hcl:"outputs,optional"`
	DependsOn []string       `hcl:"depends_on,optional"`
}
