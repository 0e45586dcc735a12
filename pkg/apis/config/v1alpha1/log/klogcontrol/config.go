// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package klogcontrol

import (
	"strconv"
)

// Config provides runtime configuration for klog.
// +k8s:deepcopy-gen=true
type Config struct {
	// +optional
	Add_dir_header *bool `json:"add_dir_header,omitempty"`
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// +optional
	Log_backtrace_at *string `json:"log_backtrace_at,omitempty"`
	// +optional
	Log_dir *string `json:"log_dir,omitempty"`
	// +optional
	Log_file *string `json:"log_file,omitempty"`
	// +optional
	Log_file_max_size *uint64 `json:"log_file_max_size,omitempty"`
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// +optional
	One_output *bool `json:"one_output,omitempty"`
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// +optional
	Skip_log_headers *bool `json:"skip_log_headers,omitempty"`
	// +optional
	Stderrthreshold *int `json:"stderrthreshold,omitempty"`
	// +optional
	V *int `json:"v,omitempty"`
	// +optional
	Vmodule *string `json:"vmodule,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag, if any.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	fmtBool := func(v *bool) (string, bool) {
		if v == nil {
			return "", false
		}
		return strconv.FormatBool(*v), true
	}
	fmtInt := func(v *int) (string, bool) {
		if v == nil {
			return "", false
		}
		return strconv.Itoa(*v), true
	}
	fmtStr := func(v *string) (string, bool) {
		if v == nil {
			return "", false
		}
		return *v, true
	}

	switch name {
	case "add_dir_header":
		return fmtBool(c.Add_dir_header)
	case "alsologtostderr":
		return fmtBool(c.Alsologtostderr)
	case "log_backtrace_at":
		return fmtStr(c.Log_backtrace_at)
	case "log_dir":
		return fmtStr(c.Log_dir)
	case "log_file":
		return fmtStr(c.Log_file)
	case "log_file_max_size":
		if c.Log_file_max_size == nil {
			return "", false
		}
		return strconv.FormatUint(*c.Log_file_max_size, 10), true
	case "logtostderr":
		return fmtBool(c.Logtostderr)
	case "one_output":
		return fmtBool(c.One_output)
	case "skip_headers":
		return fmtBool(c.Skip_headers)
	case "skip_log_headers":
		return fmtBool(c.Skip_log_headers)
	case "stderrthreshold":
		return fmtInt(c.Stderrthreshold)
	case "v":
		return fmtInt(c.V)
	case "vmodule":
		return fmtStr(c.Vmodule)
	}
	return "", false
}
