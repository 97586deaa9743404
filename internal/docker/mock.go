package docker

import "context"

// MockRuntime implements Runtime with overridable function fields for
// tests.
type MockRuntime struct {
	AvailableFunc       func(ctx context.Context) bool
	EnsureNetworkFunc   func(ctx context.Context, repoName string) error
	RemoveNetworkFunc   func(ctx context.Context, repoName string) error
	CreateContainerFunc func(ctx context.Context, spec ContainerSpec) (string, error)
	RemoveContainerFunc func(ctx context.Context, containerID string) error
	StatusFunc          func(ctx context.Context, containerID string) (string, error)
	PortsFunc           func(ctx context.Context, containerID string) ([]PortMapping, error)
	ExecCommandFunc     func(containerID, command string) (string, error)
}

func (m *MockRuntime) Available(ctx context.Context) bool {
	if m.AvailableFunc != nil {
		return m.AvailableFunc(ctx)
	}
	return true
}

func (m *MockRuntime) EnsureNetwork(ctx context.Context, repoName string) error {
	if m.EnsureNetworkFunc != nil {
		return m.EnsureNetworkFunc(ctx, repoName)
	}
	return nil
}

func (m *MockRuntime) RemoveNetwork(ctx context.Context, repoName string) error {
	if m.RemoveNetworkFunc != nil {
		return m.RemoveNetworkFunc(ctx, repoName)
	}
	return nil
}

func (m *MockRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if m.CreateContainerFunc != nil {
		return m.CreateContainerFunc(ctx, spec)
	}
	return "mock-container", nil
}

func (m *MockRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	if m.RemoveContainerFunc != nil {
		return m.RemoveContainerFunc(ctx, containerID)
	}
	return nil
}

func (m *MockRuntime) Status(ctx context.Context, containerID string) (string, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, containerID)
	}
	return "running", nil
}

func (m *MockRuntime) Ports(ctx context.Context, containerID string) ([]PortMapping, error) {
	if m.PortsFunc != nil {
		return m.PortsFunc(ctx, containerID)
	}
	return []PortMapping{}, nil
}

func (m *MockRuntime) ExecCommand(containerID, command string) (string, error) {
	if m.ExecCommandFunc != nil {
		return m.ExecCommandFunc(containerID, command)
	}
	return "docker exec -it '" + containerID + "' " + command, nil
}
