// Package clog implements the change log index.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package clog_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestClog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ChangeLog Suite")
}
