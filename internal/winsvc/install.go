//go:build windows

package winsvc

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// usersAccess is what BUILTIN\Users may do with the service, so the
// unelevated host can start, stop and watch it.
const usersAccess = windows.SERVICE_QUERY_STATUS |
	windows.SERVICE_QUERY_CONFIG |
	windows.SERVICE_INTERROGATE |
	windows.SERVICE_START |
	windows.SERVICE_STOP |
	windows.READ_CONTROL

// InstallService registers the engine service with the SCM. The service
// runs exePath with "--cd workDir run-engine" on demand.
func InstallService(exePath, workDir string) error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	s, err := m.OpenService(ServiceName)
	if err == nil {
		s.Close()
		return &ServiceError{Op: "install", Err: fmt.Errorf("service %q already exists", ServiceName)}
	}

	s, err = m.CreateService(ServiceName, exePath, mgr.Config{
		DisplayName: ServiceDisplayName,
		Description: ServiceDescription,
		StartType:   mgr.StartManual,
	}, "--cd", workDir, "run-engine")
	if err != nil {
		return &ServiceError{Op: "create service", Err: err}
	}
	defer s.Close()

	if err := grantUsers(s.Handle); err != nil {
		// Without the grant the host cannot drive the service; roll back.
		_ = s.Delete()
		return &ServiceError{Op: "set service security", Err: err}
	}
	return nil
}

// grantUsers merges an allow entry for BUILTIN\Users into the service DACL.
func grantUsers(h windows.Handle) error {
	sd, err := windows.GetSecurityInfo(h, windows.SE_SERVICE, windows.DACL_SECURITY_INFORMATION)
	if err != nil {
		return fmt.Errorf("query security: %w", err)
	}
	dacl, _, err := sd.DACL()
	if err != nil {
		return fmt.Errorf("read DACL: %w", err)
	}

	users, err := windows.CreateWellKnownSid(windows.WinBuiltinUsersSid)
	if err != nil {
		return fmt.Errorf("users SID: %w", err)
	}

	merged, err := windows.ACLFromEntries([]windows.EXPLICIT_ACCESS{{
		AccessPermissions: usersAccess,
		AccessMode:        windows.GRANT_ACCESS,
		Inheritance:       windows.NO_INHERITANCE,
		Trustee: windows.TRUSTEE{
			TrusteeForm:  windows.TRUSTEE_IS_SID,
			TrusteeType:  windows.TRUSTEE_IS_WELL_KNOWN_GROUP,
			TrusteeValue: windows.TrusteeValueFromSID(users),
		},
	}}, dacl)
	if err != nil {
		return fmt.Errorf("build DACL: %w", err)
	}

	return windows.SetSecurityInfo(h, windows.SE_SERVICE, windows.DACL_SECURITY_INFORMATION, nil, nil, merged, nil)
}

// UninstallService stops and removes the engine service.
func UninstallService() error {
	m, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer m.Disconnect()

	s, err := m.OpenService(ServiceName)
	if err != nil {
		return &ServiceError{Op: "open service", Err: fmt.Errorf("service %q not found: %w", ServiceName, err)}
	}
	defer s.Close()

	status, err := s.Control(svc.Stop)
	if err == nil {
		for i := 0; i < 30; i++ {
			if status.State == svc.Stopped {
				break
			}
			time.Sleep(500 * time.Millisecond)
			status, err = s.Query()
			if err != nil {
				break
			}
		}
	}

	if err := s.Delete(); err != nil {
		return &ServiceError{Op: "delete service", Err: err}
	}
	return nil
}

// IsServiceInstalled checks if the service is registered in the SCM.
func IsServiceInstalled() bool {
	h, err := openLimited(windows.SERVICE_QUERY_STATUS)
	if err != nil {
		return false
	}
	h.Close()
	return true
}
