package auth

import "fmt"

// MakeHandler maps a plugin-name string to its Handler, mirroring the
// original implementation's Factory.cxx: an unrecognized plugin name
// falls back to mysql_native_password unless strict is set, in which
// case it is rejected outright.
func MakeHandler(pluginName string, strict bool) (Handler, error) {
	switch pluginName {
	case "mysql_clear_password":
		return ClearPassword{}, nil
	case "caching_sha2_password":
		return CachingSha2Password{}, nil
	case "client_ed25519":
		return Ed25519{}, nil
	case "mysql_native_password":
		return NativePassword{}, nil
	default:
		if !strict {
			return NativePassword{}, nil
		}
		return nil, fmt.Errorf("auth: unsupported plugin %q", pluginName)
	}
}
