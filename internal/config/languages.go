package config

import (
	"fmt"
	"strings"
)

// Language is a declarative recipe for compiling and running submissions in
// one programming language. Command templates expand three tokens:
//
//	{executable}  the target executable filename
//	{sources}     spliced into the argument list, one arg per source file
//	{main}        entry point name (Java class, stub main), run commands only
//
// Arguments that contain a token alongside other text ("{executable}.jar")
// are substituted in place.
type Language struct {
	Name             string   `yaml:"name"`
	SourceExtensions []string `yaml:"source_extensions"`
	HeaderExtensions []string `yaml:"header_extensions"`
	// RequiresMultithreading lifts the single-process sandbox limit for
	// runtimes that spawn service threads of their own.
	RequiresMultithreading bool       `yaml:"requires_multithreading"`
	CompileCommands        [][]string `yaml:"compile_commands"`
	RunCommands            [][]string `yaml:"run_commands"`
}

// Validate checks that the recipe is complete enough to be used.
func (l *Language) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(l.SourceExtensions) == 0 {
		return fmt.Errorf("at least one source extension is required")
	}
	for _, ext := range l.SourceExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("source extension %q must start with a dot", ext)
		}
	}
	if len(l.CompileCommands) == 0 {
		return fmt.Errorf("at least one compile command is required")
	}
	if len(l.RunCommands) == 0 {
		return fmt.Errorf("at least one run command is required")
	}
	return nil
}

// PrimaryExtension is the extension used when materializing a filename
// ending in ".%l".
func (l *Language) PrimaryExtension() string {
	return l.SourceExtensions[0]
}

// CompilationCommands expands the compile templates for the given source
// files and target executable.
func (l *Language) CompilationCommands(sources []string, executable string) [][]string {
	return expandCommands(l.CompileCommands, sources, executable, "", nil)
}

// EvaluationCommands expands the run templates. main is the entry point for
// runtimes that need one; args are appended to the final command.
func (l *Language) EvaluationCommands(executable, main string, args []string) [][]string {
	commands := expandCommands(l.RunCommands, nil, executable, main, args)
	if len(args) > 0 && !templatesMention(l.RunCommands, "{args}") {
		last := commands[len(commands)-1]
		commands[len(commands)-1] = append(last, args...)
	}
	return commands
}

func expandCommands(templates [][]string, sources []string, executable, main string, args []string) [][]string {
	commands := make([][]string, 0, len(templates))
	for _, tmpl := range templates {
		cmd := make([]string, 0, len(tmpl))
		for _, arg := range tmpl {
			switch arg {
			case "{sources}":
				cmd = append(cmd, sources...)
			case "{args}":
				cmd = append(cmd, args...)
			default:
				arg = strings.ReplaceAll(arg, "{executable}", executable)
				arg = strings.ReplaceAll(arg, "{main}", main)
				if strings.Contains(arg, "{sources}") {
					arg = strings.ReplaceAll(arg, "{sources}", strings.Join(sources, " "))
				}
				cmd = append(cmd, arg)
			}
		}
		commands = append(commands, cmd)
	}
	return commands
}

func templatesMention(templates [][]string, token string) bool {
	for _, tmpl := range templates {
		for _, arg := range tmpl {
			if strings.Contains(arg, token) {
				return true
			}
		}
	}
	return false
}

// DefaultLanguages returns the stock recipes. Deployments extend or replace
// them from the config file.
func DefaultLanguages() []Language {
	return []Language{
		{
			Name:             "C11 / gcc",
			SourceExtensions: []string{".c"},
			HeaderExtensions: []string{".h"},
			CompileCommands: [][]string{
				{"/usr/bin/gcc", "-DEVAL", "-std=gnu11", "-O2", "-pipe", "-static",
					"-s", "-o", "{executable}", "{sources}", "-lm"},
			},
			RunCommands: [][]string{
				{"./{executable}"},
			},
		},
		{
			Name:             "C++17 / g++",
			SourceExtensions: []string{".cpp", ".cc", ".cxx", ".c++", ".C"},
			HeaderExtensions: []string{".h"},
			CompileCommands: [][]string{
				{"/usr/bin/g++", "-DEVAL", "-std=gnu++17", "-O2", "-pipe", "-static",
					"-s", "-o", "{executable}", "{sources}"},
			},
			RunCommands: [][]string{
				{"./{executable}"},
			},
		},
		{
			Name:             "Pascal / fpc",
			SourceExtensions: []string{".pas"},
			HeaderExtensions: []string{"lib.pas"},
			CompileCommands: [][]string{
				{"/usr/bin/fpc", "-dEVAL", "-XS", "-O2", "-o{executable}", "{sources}"},
			},
			RunCommands: [][]string{
				{"./{executable}"},
			},
		},
		{
			// The main source must be named after the executable for the
			// bytecode rename below to find it.
			Name:             "Python 3 / CPython",
			SourceExtensions: []string{".py"},
			CompileCommands: [][]string{
				{"/usr/bin/python3", "-m", "compileall", "-b", "."},
				{"/bin/mv", "{executable}.pyc", "{executable}"},
			},
			RunCommands: [][]string{
				{"/usr/bin/python3", "{executable}"},
			},
		},
		{
			Name:                   "Java / JDK",
			SourceExtensions:       []string{".java"},
			RequiresMultithreading: true,
			CompileCommands: [][]string{
				{"/usr/bin/javac", "{sources}"},
				{"/bin/bash", "-c", "/usr/bin/jar cf {executable}.jar *.class"},
				{"/bin/mv", "{executable}.jar", "{executable}"},
			},
			RunCommands: [][]string{
				{"/usr/bin/java", "-Xmx512M", "-Xss64M", "-cp", "{executable}", "{main}"},
			},
		},
	}
}
