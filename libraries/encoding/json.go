// Package encoding holds the shared JSON codec used for all service payloads.
package encoding

import jsoniter "github.com/json-iterator/go"

var JSONiter = jsoniter.ConfigCompatibleWithStandardLibrary
