package cancellation

import "os/exec"

// Command - запущенный внешний процесс, завершаемый вместе с группой.
type Command struct {
	cmd *exec.Cmd
}

// NewCommand оборачивает команду. Для завершения потомков команду нужно подготовить через PrepareCommand до Start.
func NewCommand(cmd *exec.Cmd) *Command {
	return &Command{cmd: cmd}
}

func (c *Command) Terminate() {
	terminateProcessGroup(c.cmd)
}
