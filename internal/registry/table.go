package registry

// builtin is the full language table. Network is off for user code in every
// environment except shell; install sandboxes get the network separately.
var builtin = []Descriptor{
	{
		ID:              "python",
		Image:           "python:3.11-slim",
		EntryFile:       "main.py",
		RunCommand:      []string{"python", "-u", "{file}"},
		SupportsInstall: true,
		PackageManager:  "pip",
		InstallCommand:  "pip install --no-cache-dir {packages}",
		Template:        "# Python\nprint(\"Hello, World!\")\n",
	},
	{
		ID:              "javascript",
		Image:           "node:20-alpine",
		EntryFile:       "main.js",
		RunCommand:      []string{"node", "{file}"},
		SupportsInstall: true,
		PackageManager:  "npm",
		InstallCommand:  "npm install {packages}",
		Template:        "// Node.js\nconsole.log(\"Hello, World!\");\n",
	},
	{
		ID:        "java",
		Image:     "eclipse-temurin:21-jdk",
		EntryFile: "Main.java",
		RunCommand: []string{
			"sh", "-c", "javac {file} && java -cp . {classname}",
		},
		Template: "public class Main {\n    public static void main(String[] args) {\n        System.out.println(\"Hello, World!\");\n    }\n}\n",
	},
	{
		ID:        "cpp",
		Image:     "gcc:12",
		EntryFile: "main.cpp",
		RunCommand: []string{
			"sh", "-c", "g++ -o /tmp/program {file} && /tmp/program",
		},
		Template: "#include <iostream>\n\nint main() {\n    std::cout << \"Hello, World!\" << std::endl;\n    return 0;\n}\n",
	},
	{
		ID:        "html",
		EntryFile: "index.html",
		Preview:   true,
		Template:  "<!DOCTYPE html>\n<html>\n<body>\n    <h1>Hello, World!</h1>\n</body>\n</html>\n",
	},
	{
		ID:             "shell",
		Image:          "ubuntu:22.04",
		EntryFile:      "main.sh",
		RunCommand:     []string{"bash", "-c", "{code}"},
		NetworkEnabled: true,
		Template:       "# Shell\necho \"Hello, World!\"\n",
	},
}
