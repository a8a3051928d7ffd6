package hostkeys

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Remote/internal/errors"
)

// TrustedHost 是启动期预置信任文件里的一条记录。
type TrustedHost struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	KeyType string `yaml:"key_type"`
	Key     string `yaml:"key"`
}

// TrustedHosts 对应 trusted_hosts.yaml 的顶层结构。
type TrustedHosts struct {
	Hosts []TrustedHost `yaml:"hosts"`
}

// LoadTrustedHosts 解析 YAML 预置信任文件。文件不存在时返回空集合而不是错误，
// 预置文件是可选的部署便利。
func LoadTrustedHosts(path string) (*TrustedHosts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &TrustedHosts{}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeIOFailure, err, fmt.Sprintf("read trusted hosts file %s", path))
	}
	var defs TrustedHosts
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("parse trusted hosts file %s", path))
	}
	for i, def := range defs.Hosts {
		if def.Host == "" || def.Key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("trusted host entry %d missing host or key", i))
		}
	}
	return &defs, nil
}

// Seed 把预置信任记录写入信任表，返回新增条数（替换不计数）。
func (s *Store) Seed(defs *TrustedHosts) (int, error) {
	if defs == nil {
		return 0, nil
	}
	added := 0
	for _, def := range defs.Hosts {
		port := def.Port
		if port == 0 {
			port = 22
		}
		updated, err := s.Add(def.Host, port, def.KeyType, def.Key)
		if err != nil {
			return added, err
		}
		if !updated {
			added++
		}
	}
	return added, nil
}
