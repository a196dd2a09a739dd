// SPDX-License-Identifier: MPL-2.0

// Package cueutil provides the CUE decoding flow shared by module manifests,
// resource tables and the configuration file.
//
// Every document goes through the same steps:
//
//  1. Compile the embedded schema
//  2. Compile the document and unify it with a schema definition
//  3. Validate and decode into a Go value
//
// # Usage
//
//	//go:embed manifest_schema.cue
//	var manifestSchema []byte
//
//	result, err := cueutil.ParseAndDecode[manifestFile](
//	    manifestSchema,
//	    data,
//	    "#Manifest",
//	    cueutil.WithFilename("manifest.cue"),
//	)
//	if err != nil {
//	    return nil, err // carries the CUE path of the offending field
//	}
//	return result.Value, nil
package cueutil
