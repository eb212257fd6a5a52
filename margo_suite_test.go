/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package margo_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestMargo(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "margo runtime suite")
}
